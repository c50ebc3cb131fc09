// Package config holds the scalar preferences the core reads at
// startup: routing toggles, default/fallback model keys, and the
// reasoning level. The core never writes this file — it is owned by
// the surrounding app and only consulted once, at boot, to seed a
// catalog.Catalog.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// Preferences is the on-disk shape of the scalar routing preferences.
type Preferences struct {
	RoutingEnabled           bool   `json:"routing_enabled"`
	NotifyOnRouting          bool   `json:"notify_on_routing"`
	DefaultModelKey          string `json:"default_model_key,omitempty"`
	FallbackModelKey         string `json:"fallback_model_key,omitempty"`
	DefaultThinkingModelKey  string `json:"default_thinking_model_key,omitempty"`
	FallbackThinkingModelKey string `json:"fallback_thinking_model_key,omitempty"`
	ReasoningLevel           string `json:"reasoning_level,omitempty"`
}

func defaultPreferences() *Preferences {
	return &Preferences{
		RoutingEnabled:  true,
		NotifyOnRouting: true,
		ReasoningLevel:  "medium",
	}
}

var (
	mu      sync.RWMutex
	current *Preferences
)

// Load reads preferences from path, falling back to defaults when the
// file doesn't exist or fails to parse.
func Load(path string) (*Preferences, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			prefs := defaultPreferences()
			mu.Lock()
			current = prefs
			mu.Unlock()
			slog.Info("no preferences file found, using defaults", "path", path)
			return prefs, nil
		}
		return nil, err
	}

	prefs := defaultPreferences()
	if err := json.Unmarshal(data, prefs); err != nil {
		slog.Warn("failed to parse preferences, using defaults", "path", path, "error", err)
		prefs = defaultPreferences()
	}

	mu.Lock()
	current = prefs
	mu.Unlock()
	return prefs, nil
}

// Get returns the most recently loaded preferences, or defaults if
// Load has never been called.
func Get() *Preferences {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return defaultPreferences()
	}
	return current
}

// Paths locates the directories and files the core reads its
// persisted state from.
type Paths struct {
	BundledCatalogDir string
	OverlayDir        string
	PreferencesFile   string
}

// DefaultPaths mirrors the directory layout an embedding app typically
// sets up under its own application-support directory.
func DefaultPaths(root string) Paths {
	return Paths{
		BundledCatalogDir: root + "/models",
		OverlayDir:        root + "/discovered-models",
		PreferencesFile:   root + "/preferences.json",
	}
}
