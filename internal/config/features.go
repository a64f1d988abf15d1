package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed features.yaml
var defaultFeatures []byte

// Capabilities is the set of optional behaviours handed to a workspace at
// construction. A disabled capability is never exposed as an operation.
type Capabilities struct {
	VersionHistory bool
	Comments       bool
	TrackChanges   bool
	AutoSave       bool
}

func DefaultCapabilities() Capabilities {
	return Capabilities{
		VersionHistory: true,
		Comments:       true,
		TrackChanges:   true,
		AutoSave:       true,
	}
}

type Feature struct {
	Name     string                 `yaml:"name"`
	Enabled  bool                   `yaml:"enabled"`
	Version  string                 `yaml:"version"`
	Settings map[string]interface{} `yaml:"settings"`
}

type FeatureSet struct {
	Features []Feature `yaml:"features"`
}

func DefaultFeatures() (*FeatureSet, error) {
	return parseFeatures(defaultFeatures, "embedded features.yaml")
}

func LoadFeatures(path string) (*FeatureSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parseFeatures(data, path)
}

func parseFeatures(data []byte, source string) (*FeatureSet, error) {
	var set FeatureSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", source, err)
	}
	return &set, nil
}

func (s *FeatureSet) Get(name string) (Feature, bool) {
	for _, f := range s.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// ApplyTo overlays feature toggles and their settings onto cfg. Features
// missing from the set keep whatever cfg already holds.
func (s *FeatureSet) ApplyTo(cfg *Config) {
	if f, ok := s.Get("version_history"); ok {
		cfg.Capabilities.VersionHistory = f.Enabled
		if n, ok := settingInt(f.Settings, "baseline_interval"); ok {
			cfg.BaselineInterval = n
		}
		if b, ok := f.Settings["compression"].(bool); ok {
			cfg.Compression = b
		}
		if v, ok := f.Settings["diff_strategy"].(string); ok {
			cfg.DiffStrategy = v
		}
	}
	if f, ok := s.Get("comments"); ok {
		cfg.Capabilities.Comments = f.Enabled
	}
	if f, ok := s.Get("track_changes"); ok {
		cfg.Capabilities.TrackChanges = f.Enabled
	}
	if f, ok := s.Get("auto_save"); ok {
		cfg.Capabilities.AutoSave = f.Enabled
		if n, ok := settingInt(f.Settings, "interval_seconds"); ok {
			cfg.AutoSaveInterval = time.Duration(n) * time.Second
		}
	}
}

func settingInt(settings map[string]interface{}, key string) (int, bool) {
	switch v := settings[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
