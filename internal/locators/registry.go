package locators

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"
)

// Registry holds the active platform profiles
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	logger   arbor.ILogger
}

// NewRegistry creates a registry seeded with the built-in profiles
func NewRegistry(logger arbor.ILogger) (*Registry, error) {
	r := &Registry{
		profiles: make(map[string]*Profile),
		logger:   logger,
	}
	for _, p := range Builtin() {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a profile after validating it
func (r *Registry) Register(p *Profile) error {
	if err := p.Compile(); err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles[p.Platform] = p
	r.mu.Unlock()
	return nil
}

// Get returns the profile for platform
func (r *Registry) Get(platform string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[platform]
	return p, ok
}

// Supported reports whether platform has a profile
func (r *Registry) Supported(platform string) bool {
	_, ok := r.Get(platform)
	return ok
}

// Platforms returns all registered platform names, sorted
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restrict removes every profile not in enabled. An empty list keeps all.
func (r *Registry) Restrict(enabled []string) error {
	if len(enabled) == 0 {
		return nil
	}

	keep := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		if !r.Supported(name) {
			return fmt.Errorf("unknown platform %q in automation.platforms", name)
		}
		keep[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.profiles {
		if !keep[name] {
			delete(r.profiles, name)
		}
	}
	return nil
}

// LoadOverrides merges *.toml, *.yaml and *.yml files in dir over the
// registered profiles. A file naming an unknown platform registers a new one.
// A missing directory is not an error.
func (r *Registry) LoadOverrides(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug().Str("dir", dir).Msg("Locator override directory not found, using built-in tables")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read locator directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		override, err := decodeProfileFile(path)
		if err != nil {
			return loaded, err
		}
		if override == nil {
			continue
		}

		if err := r.apply(override); err != nil {
			return loaded, fmt.Errorf("failed to apply locator file %s: %w", path, err)
		}
		loaded++

		r.logger.Info().
			Str("platform", override.Platform).
			Str("file", entry.Name()).
			Int("targets", len(override.Targets)).
			Msg("Applied locator overrides")
	}

	return loaded, nil
}

func (r *Registry) apply(override *Profile) error {
	if override.Platform == "" {
		return fmt.Errorf("platform is required")
	}

	existing, ok := r.Get(override.Platform)
	if !ok {
		return r.Register(override)
	}

	merged := existing.clone()
	merged.merge(override)
	return r.Register(merged)
}

func decodeProfileFile(path string) (*Profile, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".toml" && ext != ".yaml" && ext != ".yml" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read locator file %s: %w", path, err)
	}

	var profile Profile
	switch ext {
	case ".toml":
		err = toml.Unmarshal(data, &profile)
	default:
		err = yaml.Unmarshal(data, &profile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse locator file %s: %w", path, err)
	}

	if profile.Platform == "" {
		profile.Platform = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &profile, nil
}
