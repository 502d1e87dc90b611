package blocking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/models"
)

// RotationRequest describes why a host restart is requested
type RotationRequest struct {
	Platform   string
	Reason     string
	ErrorCount int
	State      *models.BlockingState
}

// Rotator performs the external action that changes the egress IP
type Rotator interface {
	Rotate(ctx context.Context, req RotationRequest) error
	Complete(ctx context.Context) error
}

// marker is the JSON document the compute-lifecycle function reads
type marker struct {
	Action     string                `json:"action"`
	InstanceID string                `json:"instanceId,omitempty"`
	Platform   string                `json:"platform,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	ErrorCount int                   `json:"errorCount,omitempty"`
	Timestamp  int64                 `json:"timestamp"`
	State      *models.BlockingState `json:"state,omitempty"`
}

var _ Rotator = (*S3Rotator)(nil)

// S3Rotator drops marker objects into a bucket watched by an external
// function that reboots (reboot marker) or stops (complete marker) the host
type S3Rotator struct {
	client         *s3.Client
	bucket         string
	instanceID     string
	rebootPrefix   string
	completePrefix string
	logger         arbor.ILogger
	now            func() time.Time
}

// S3RotatorOption configures an S3Rotator
type S3RotatorOption func(*S3Rotator)

// WithLogger sets the logger
func WithLogger(logger arbor.ILogger) S3RotatorOption {
	return func(r *S3Rotator) {
		r.logger = logger
	}
}

// WithClock overrides the marker timestamp source
func WithClock(now func() time.Time) S3RotatorOption {
	return func(r *S3Rotator) {
		r.now = now
	}
}

// NewS3Rotator creates a rotator from the aws config section. Static keys
// are used when set, otherwise the default credential chain.
func NewS3Rotator(ctx context.Context, cfg *common.AWSConfig, opts ...S3RotatorOption) (*S3Rotator, error) {
	if cfg == nil {
		return nil, errors.New("aws configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("aws bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "ap-northeast-2"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	r := &S3Rotator{
		client:         client,
		bucket:         cfg.Bucket,
		instanceID:     cfg.InstanceID,
		rebootPrefix:   prefix(cfg.RebootPrefix, "reboot/"),
		completePrefix: prefix(cfg.CompletePrefix, "complete/"),
		logger:         arbor.NewLogger(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Rotate uploads reboot/trigger_<unix-ms>.json
func (r *S3Rotator) Rotate(ctx context.Context, req RotationRequest) error {
	now := r.now()
	key := fmt.Sprintf("%strigger_%d.json", r.rebootPrefix, now.UnixMilli())

	return r.put(ctx, key, marker{
		Action:     "reboot",
		InstanceID: r.instanceID,
		Platform:   req.Platform,
		Reason:     req.Reason,
		ErrorCount: req.ErrorCount,
		Timestamp:  now.UnixMilli(),
		State:      req.State,
	})
}

// Complete uploads complete/complete_<unix-ms>.json
func (r *S3Rotator) Complete(ctx context.Context) error {
	now := r.now()
	key := fmt.Sprintf("%scomplete_%d.json", r.completePrefix, now.UnixMilli())

	return r.put(ctx, key, marker{
		Action:     "stop",
		InstanceID: r.instanceID,
		Timestamp:  now.UnixMilli(),
	})
}

func (r *S3Rotator) put(ctx context.Context, key string, m marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode marker: %w", err)
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload marker %s: %w", key, err)
	}

	r.logger.Info().
		Str("bucket", r.bucket).
		Str("key", key).
		Str("action", m.Action).
		Str("platform", m.Platform).
		Msg("Lifecycle marker uploaded")
	return nil
}

func prefix(value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if !strings.HasSuffix(value, "/") {
		value += "/"
	}
	return value
}

var _ Rotator = (*LogRotator)(nil)

// LogRotator only records that a rotation would have happened
type LogRotator struct {
	logger arbor.ILogger
}

// NewLogRotator creates a rotator that logs instead of acting
func NewLogRotator(logger arbor.ILogger) *LogRotator {
	return &LogRotator{logger: logger}
}

func (r *LogRotator) Rotate(ctx context.Context, req RotationRequest) error {
	r.logger.Warn().
		Str("platform", req.Platform).
		Int("error_count", req.ErrorCount).
		Str("reason", req.Reason).
		Msg("Blocking threshold reached; IP rotation is disabled")
	return nil
}

func (r *LogRotator) Complete(ctx context.Context) error {
	r.logger.Info().Msg("Batch complete; IP rotation is disabled")
	return nil
}
