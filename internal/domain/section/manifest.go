package section

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dibya/sundayclinic/internal/domain/record"
)

// Manifest is the on-disk section switchboard.
//
//	version: "2025-03"
//	placeholder:
//	  - penunjang
type Manifest struct {
	Version     string              `yaml:"version"`
	Placeholder []record.SectionKey `yaml:"placeholder"`
}

type yamlManifest struct {
	Version     string   `yaml:"version"`
	Placeholder []string `yaml:"placeholder"`
}

// ParseManifest decodes a YAML manifest. Section keys may use either the
// snake_case or the hyphenated form.
func ParseManifest(data []byte) (Manifest, error) {
	var ym yamlManifest
	if err := yaml.Unmarshal(data, &ym); err != nil {
		return Manifest{}, fmt.Errorf("parse section manifest: %w", err)
	}
	m := Manifest{Version: ym.Version}
	for _, raw := range ym.Placeholder {
		k, err := record.ParseSectionKey(raw)
		if err != nil {
			return Manifest{}, fmt.Errorf("section manifest: %w", err)
		}
		m.Placeholder = append(m.Placeholder, k)
	}
	return m, nil
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read section manifest: %w", err)
	}
	return ParseManifest(data)
}

// Watcher reloads the manifest when its file changes and bumps the
// registry version so cached handlers are refetched.
type Watcher struct {
	path     string
	registry *Registry
	logger   zerolog.Logger
	debounce time.Duration
	revision int
}

func NewWatcher(path string, registry *Registry, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		registry: registry,
		logger:   logger.With().Str("component", "section_manifest").Str("path", path).Logger(),
		debounce: 100 * time.Millisecond,
	}
}

// Run applies the manifest once, then watches until ctx is done. The parent
// directory is watched because editors replace files on save.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.apply(false); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.apply(true); err != nil {
				w.logger.Warn().Err(err).Msg("section manifest reload failed, keeping previous")
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("manifest watcher error")
		}
	}
}

func (w *Watcher) apply(bump bool) error {
	m, err := LoadManifest(w.path)
	if err != nil {
		return err
	}
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if bump {
		w.revision++
		m.Version = fmt.Sprintf("%s+%d", m.Version, w.revision)
	}
	w.registry.ApplyManifest(m)
	w.logger.Info().Str("version", m.Version).Int("placeholders", len(m.Placeholder)).
		Msg("section manifest applied")
	return nil
}
