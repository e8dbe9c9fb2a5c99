// Package config provides YAML configuration loading and validation for the
// bootloader driver's per-command settle times.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SettleConfig holds the per-command settle durations the BLI pump sleeps
// after transmitting each command, plus the pump's tick and the
// orchestrator's poll interval. Every field is an integer millisecond (or,
// for the sub-millisecond per-word rate, microsecond) count so the YAML file
// stays a flat, readable document; AsDurations converts to [time.Duration]
// for the BLI and orchestrator.
type SettleConfig struct {
	// IdentifyCmdMs is the settle time after each of the seven identification
	// queries. Default 10ms.
	IdentifyCmdMs int `yaml:"identify_cmd_ms"`

	// EraseMs is the settle time after ERASE_PAGE. Default 100ms.
	EraseMs int `yaml:"erase_ms"`

	// ReadWordMs is the settle time after READ_ADDR. Default 3ms.
	ReadWordMs int `yaml:"read_word_ms"`

	// ReadPageMsPer128 is the settle time contributed per 128 words of
	// max_prog_size after READ_PAGE; total settle = max_prog_size/128 * this
	// value. Default 60ms.
	ReadPageMsPer128 int `yaml:"read_page_ms_per_128"`

	// WriteRowMs is the settle time after WRITE_ROW. Default 50ms.
	WriteRowMs int `yaml:"write_row_ms"`

	// WriteMaxUsPerWord is the settle time contributed per word of payload
	// after WRITE_MAX, in microseconds; total settle = len(data) *
	// this value. Default 500us (0.5ms).
	WriteMaxUsPerWord int `yaml:"write_max_us_per_word"`

	// TickMs is the pump's idle loop interval. Default 10ms.
	TickMs int `yaml:"tick_ms"`

	// PollMs is the interval the orchestrator polls `busy` while awaiting
	// drain or identification. Default 200ms.
	PollMs int `yaml:"poll_ms"`
}

// Durations is a SettleConfig converted to [time.Duration] values.
type Durations struct {
	IdentifyCmd     time.Duration
	Erase           time.Duration
	ReadWord        time.Duration
	ReadPagePer128  time.Duration
	WriteRow        time.Duration
	WriteMaxPerWord time.Duration
	Tick            time.Duration
	Poll            time.Duration
}

// AsDurations converts every millisecond/microsecond field to a
// [time.Duration].
func (c SettleConfig) AsDurations() Durations {
	return Durations{
		IdentifyCmd:     time.Duration(c.IdentifyCmdMs) * time.Millisecond,
		Erase:           time.Duration(c.EraseMs) * time.Millisecond,
		ReadWord:        time.Duration(c.ReadWordMs) * time.Millisecond,
		ReadPagePer128:  time.Duration(c.ReadPageMsPer128) * time.Millisecond,
		WriteRow:        time.Duration(c.WriteRowMs) * time.Millisecond,
		WriteMaxPerWord: time.Duration(c.WriteMaxUsPerWord) * time.Microsecond,
		Tick:            time.Duration(c.TickMs) * time.Millisecond,
		Poll:            time.Duration(c.PollMs) * time.Millisecond,
	}
}

// Default returns the empirically tuned settle values the booty protocol has
// always shipped with.
func Default() SettleConfig {
	return SettleConfig{
		IdentifyCmdMs:     10,
		EraseMs:           100,
		ReadWordMs:        3,
		ReadPageMsPer128:  60,
		WriteRowMs:        50,
		WriteMaxUsPerWord: 500,
		TickMs:            10,
		PollMs:            200,
	}
}

// Load reads the YAML file at path, unmarshals it over a Default-seeded
// SettleConfig (so any field the file omits keeps its default), restores the
// default for any field the file sets to 0, and validates the result. An
// empty path returns Default() unmodified.
func Load(path string) (SettleConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SettleConfig{}, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SettleConfig{}, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return SettleConfig{}, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return cfg, nil
}

// applyDefaults restores the shipped default for any field that came
// back zero after unmarshaling an override file. Since the struct was seeded
// from Default before unmarshaling, an omitted key already holds its default;
// a zero here can only come from a key present in the file and set to 0, and
// that is replaced by the default as well.
func applyDefaults(cfg *SettleConfig) {
	d := Default()
	if cfg.IdentifyCmdMs == 0 {
		cfg.IdentifyCmdMs = d.IdentifyCmdMs
	}
	if cfg.EraseMs == 0 {
		cfg.EraseMs = d.EraseMs
	}
	if cfg.ReadWordMs == 0 {
		cfg.ReadWordMs = d.ReadWordMs
	}
	if cfg.ReadPageMsPer128 == 0 {
		cfg.ReadPageMsPer128 = d.ReadPageMsPer128
	}
	if cfg.WriteRowMs == 0 {
		cfg.WriteRowMs = d.WriteRowMs
	}
	if cfg.WriteMaxUsPerWord == 0 {
		cfg.WriteMaxUsPerWord = d.WriteMaxUsPerWord
	}
	if cfg.TickMs == 0 {
		cfg.TickMs = d.TickMs
	}
	if cfg.PollMs == 0 {
		cfg.PollMs = d.PollMs
	}
}

// validate checks that no settle duration is negative; a YAML file cannot
// express a meaningful negative delay.
func validate(cfg *SettleConfig) error {
	var errs []error

	fields := []struct {
		name  string
		value int
	}{
		{"identify_cmd_ms", cfg.IdentifyCmdMs},
		{"erase_ms", cfg.EraseMs},
		{"read_word_ms", cfg.ReadWordMs},
		{"read_page_ms_per_128", cfg.ReadPageMsPer128},
		{"write_row_ms", cfg.WriteRowMs},
		{"write_max_us_per_word", cfg.WriteMaxUsPerWord},
		{"tick_ms", cfg.TickMs},
		{"poll_ms", cfg.PollMs},
	}
	for _, f := range fields {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.value))
		}
	}

	return errors.Join(errs...)
}
