package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// providerFile is the on-disk shape of a single bundled provider file,
// and of a discovered_<provider>.json overlay file (last_sync is
// ignored by the core — it is informational for the UI only).
type providerFile struct {
	Provider Provider     `json:"provider"`
	Models   []ModelEntry `json:"models"`
	LastSync string       `json:"last_sync,omitempty"`
}

// LoadEntries reads the bundled model catalog directory (one JSON file
// per provider) and, if present, overlays a discovered-models directory
// (files named discovered_<provider>.json). Overlay entries supersede
// bundled ones keyed by (provider, id); bundled entries for providers
// untouched by the overlay are kept as-is.
func LoadEntries(bundledDir, overlayDir string) ([]ModelEntry, error) {
	byKey := make(map[ModelKey]ModelEntry)
	order := make([]ModelKey, 0)

	if err := readProviderDir(bundledDir, byKey, &order); err != nil {
		return nil, fmt.Errorf("loading bundled catalog: %w", err)
	}
	if overlayDir != "" {
		if err := readProviderDir(overlayDir, byKey, &order); err != nil {
			return nil, fmt.Errorf("loading discovered-models overlay: %w", err)
		}
	}

	entries := make([]ModelEntry, 0, len(order))
	for _, k := range order {
		entries = append(entries, byKey[k])
	}
	return entries, nil
}

func readProviderDir(dir string, byKey map[ModelKey]ModelEntry, order *[]ModelKey) error {
	if dir == "" {
		return nil
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name(), err)
		}
		var pf providerFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parsing %s: %w", f.Name(), err)
		}
		for _, m := range pf.Models {
			if m.Provider == "" {
				m.Provider = pf.Provider
			}
			key := m.Key()
			if _, exists := byKey[key]; !exists {
				*order = append(*order, key)
			}
			byKey[key] = m
		}
	}
	return nil
}

// WatchOverlay watches overlayDir for new or changed
// discovered_<provider>.json files and calls reload whenever one
// appears, so a running gateway picks up newly-discovered models
// without needing a restart. It runs until the returned stop func is
// called, or the process exits.
func WatchOverlay(overlayDir string, reload func()) (stop func(), err error) {
	if overlayDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(overlayDir, 0o700); err != nil {
		return nil, fmt.Errorf("ensuring overlay dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating catalog watcher: %w", err)
	}
	if err := watcher.Add(overlayDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching overlay dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					slog.Info("catalog overlay changed", "file", ev.Name)
					reload()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("catalog watcher error", "error", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
