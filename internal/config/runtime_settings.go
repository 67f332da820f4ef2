package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/modpack-downloader/pkg/icron"
)

// RuntimeSettings are operator overrides kept in a JSON file next to the data.
// Empty fields leave the environment value in place.
type RuntimeSettings struct {
	SweepCron    string `json:"sweep_cron,omitempty"`
	RetentionTTL string `json:"retention_ttl,omitempty"`
	ItemDelay    string `json:"item_delay,omitempty"`
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.SweepCron) != "" {
		if _, err := icron.Parse(s.SweepCron); err != nil {
			return fmt.Errorf("invalid sweep_cron: %w", err)
		}
	}
	if strings.TrimSpace(s.RetentionTTL) != "" {
		d, err := time.ParseDuration(s.RetentionTTL)
		if err != nil {
			return fmt.Errorf("invalid retention_ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("retention_ttl must be positive")
		}
	}
	if strings.TrimSpace(s.ItemDelay) != "" {
		d, err := time.ParseDuration(s.ItemDelay)
		if err != nil {
			return fmt.Errorf("invalid item_delay: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("item_delay must not be negative")
		}
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		SweepCron:    c.Retention.SweepCron,
		RetentionTTL: c.Retention.TTL.String(),
		ItemDelay:    c.Jobs.ItemDelay.String(),
	}
}

// WithRuntimeSettings applies the non-empty, parseable fields of settings.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.SweepCron) != "" {
			c.Retention.SweepCron = settings.SweepCron
		}
		if d, err := time.ParseDuration(settings.RetentionTTL); err == nil {
			c.Retention.TTL = d
		}
		if d, err := time.ParseDuration(settings.ItemDelay); err == nil {
			c.Jobs.ItemDelay = d
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
