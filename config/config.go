// Package config parses the IHVM's boot-time configuration. spec.md §6
// mandates the wire format itself (a JSON key, max_ihvm_cycles) as part
// of the kernel ABI, so this package uses encoding/json rather than a
// third-party codec — the format is a spec commitment, not a library
// choice.
package config

import (
	"encoding/json"
	"fmt"
	"io"
)

// DefaultMaxCycles is used when the boot document omits max_ihvm_cycles,
// per spec.md §6's "absence means an implementation-defined default."
const DefaultMaxCycles = 100_000

// Config is the IHVM's boot-time configuration document.
type Config struct {
	MaxIHVMCycles uint64 `json:"max_ihvm_cycles"`
	LogLevel      string `json:"log_level"`
	DebugModules  string `json:"debug_modules"`
}

// Default returns a Config with every field at its implementation-defined
// default.
func Default() Config {
	return Config{MaxIHVMCycles: DefaultMaxCycles, LogLevel: "info"}
}

// Load parses r as the boot configuration document. Any field absent
// from the document keeps its Default() value.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var raw struct {
		MaxIHVMCycles *uint64 `json:"max_ihvm_cycles"`
		LogLevel      *string `json:"log_level"`
		DebugModules  *string `json:"debug_modules"`
	}
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if raw.MaxIHVMCycles != nil {
		cfg.MaxIHVMCycles = *raw.MaxIHVMCycles
	}
	if raw.LogLevel != nil {
		cfg.LogLevel = *raw.LogLevel
	}
	if raw.DebugModules != nil {
		cfg.DebugModules = *raw.DebugModules
	}
	return cfg, nil
}
