package config

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/breeze-rmm/apploopback/internal/capture"
	"github.com/breeze-rmm/apploopback/internal/sink"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that prevent a capture from
// auto-corrected or cosmetic ones.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns all errors found. Out-of-range
// numeric values are clamped to safe bounds.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	for _, err := range result.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return result.AllErrors()
}

// ValidateTiered classifies problems. Fatals are values the capture cannot
// run with; warnings have been clamped or fall back to a default.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if _, err := capture.ParseSilencePolicy(normalize(c.SilencePolicy)); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("silence_policy %q is not valid (use zero or skip)", c.SilencePolicy))
	}

	sampleType, err := capture.ParseSampleType(normalize(c.SampleType))
	if err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("sample_type %q is not valid (use integer or float)", c.SampleType))
	} else {
		f := capture.AudioFormat{
			SampleRate:    uint32(max(c.SampleRate, 0)),
			BitsPerSample: uint16(max(c.BitsPerSample, 0)),
			Channels:      uint16(max(c.Channels, 0)),
			SampleType:    sampleType,
		}
		if c.SampleRate <= 0 || int64(c.SampleRate) > math.MaxUint32 ||
			c.BitsPerSample <= 0 || c.BitsPerSample > 64 ||
			c.Channels <= 0 || c.Channels > 0xFFFF {
			r.Fatals = append(r.Fatals, fmt.Errorf("capture format %d/%d/%d is not valid", c.SampleRate, c.BitsPerSample, c.Channels))
		} else if err := capture.Validate(f); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("capture format: %w", err))
		}
	}

	// Process loopback has no mode for the target process alone.
	if !c.IncludeDescendants {
		r.Fatals = append(r.Fatals, fmt.Errorf("include_descendants=false is not supported: process loopback always captures the target's child processes"))
	}

	if _, _, err := sink.Parse(c.Output); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("output: %w", err))
	}

	// Clamp the ring request to what shared-mode streams accept.
	if c.BufferDurationMs < 3 {
		r.Warnings = append(r.Warnings, fmt.Errorf("buffer_duration_ms %d is below minimum 3, clamping", c.BufferDurationMs))
		c.BufferDurationMs = 3
	} else if c.BufferDurationMs > 2000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("buffer_duration_ms %d exceeds maximum 2000, clamping", c.BufferDurationMs))
		c.BufferDurationMs = 2000
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.LogMaxSizeMB < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_size_mb %d is below minimum 1, clamping", c.LogMaxSizeMB))
		c.LogMaxSizeMB = 1
	} else if c.LogMaxSizeMB > 1024 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_size_mb %d exceeds maximum 1024, clamping", c.LogMaxSizeMB))
		c.LogMaxSizeMB = 1024
	}

	if c.LogMaxBackups < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_backups %d is below minimum 1, clamping", c.LogMaxBackups))
		c.LogMaxBackups = 1
	} else if c.LogMaxBackups > 20 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_backups %d exceeds maximum 20, clamping", c.LogMaxBackups))
		c.LogMaxBackups = 20
	}

	return r
}
