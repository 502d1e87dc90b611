package blocking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/models"
)

type s3Object struct {
	path string
	body []byte
}

func newS3Server(t *testing.T) (*httptest.Server, func() []s3Object) {
	t.Helper()
	var mu sync.Mutex
	var objects []s3Object

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		objects = append(objects, s3Object{path: r.URL.Path, body: body})
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server, func() []s3Object {
		mu.Lock()
		defer mu.Unlock()
		return append([]s3Object(nil), objects...)
	}
}

func testAWSConfig(endpoint string) *common.AWSConfig {
	return &common.AWSConfig{
		Region:       "ap-northeast-2",
		InstanceID:   "i-0123456789abcdef0",
		Bucket:       "marker-bucket",
		Endpoint:     endpoint,
		AccessKey:    "test-key",
		SecretKey:    "test-secret",
		UsePathStyle: true,
	}
}

func TestNewS3Rotator_Validation(t *testing.T) {
	_, err := NewS3Rotator(context.Background(), nil)
	require.Error(t, err)

	_, err = NewS3Rotator(context.Background(), &common.AWSConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestS3Rotator_RotateUploadsRebootMarker(t *testing.T) {
	server, objects := newS3Server(t)
	fixed := time.UnixMilli(1761629973000)

	rotator, err := NewS3Rotator(context.Background(), testAWSConfig(server.URL),
		WithLogger(arbor.NewLogger()),
		WithClock(func() time.Time { return fixed }),
	)
	require.NoError(t, err)

	err = rotator.Rotate(context.Background(), RotationRequest{
		Platform:   "bunjang",
		Reason:     "captcha wall",
		ErrorCount: 5,
		State:      &models.BlockingState{Platform: "bunjang", ConsecutiveErrorCount: 5},
	})
	require.NoError(t, err)

	uploaded := objects()
	require.Len(t, uploaded, 1)
	assert.Equal(t, "/marker-bucket/reboot/trigger_1761629973000.json", uploaded[0].path)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(uploaded[0].body, &m))
	assert.Equal(t, "reboot", m["action"])
	assert.Equal(t, "i-0123456789abcdef0", m["instanceId"])
	assert.Equal(t, "bunjang", m["platform"])
	assert.Equal(t, float64(5), m["errorCount"])
	assert.NotNil(t, m["state"])
}

func TestS3Rotator_CompleteUploadsStopMarker(t *testing.T) {
	server, objects := newS3Server(t)

	rotator, err := NewS3Rotator(context.Background(), testAWSConfig(server.URL))
	require.NoError(t, err)
	require.NoError(t, rotator.Complete(context.Background()))

	uploaded := objects()
	require.Len(t, uploaded, 1)
	assert.True(t, strings.HasPrefix(uploaded[0].path, "/marker-bucket/complete/complete_"))
	assert.Contains(t, string(uploaded[0].body), `"action":"stop"`)
}

func TestS3Rotator_DetectorEscalates(t *testing.T) {
	server, objects := newS3Server(t)
	rotator, err := NewS3Rotator(context.Background(), testAWSConfig(server.URL))
	require.NoError(t, err)

	c := NewController(newMemStateStorage(), rotator, 2, nil, nil, arbor.NewLogger())
	d, err := c.Detector(context.Background(), "junggonara")
	require.NoError(t, err)

	_, err = d.OnBlockingSignal(context.Background(), "blocked")
	require.NoError(t, err)
	fired, err := d.OnBlockingSignal(context.Background(), "blocked")
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Len(t, objects(), 1)
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "reboot/", prefix("", "reboot/"))
	assert.Equal(t, "custom/", prefix("custom", "reboot/"))
}
