package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// VersionWatcher reports changes to a file holding the deployed version string.
type VersionWatcher struct {
	path     string
	last     string
	onChange func(ctx context.Context, version string) error
	logger   *zerolog.Logger
}

func NewVersionWatcher(path, current string, onChange func(ctx context.Context, version string) error, logger *zerolog.Logger) *VersionWatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &VersionWatcher{path: path, last: current, onChange: onChange, logger: logger}
}

// ReadVersion returns the trimmed first line of the version file.
func ReadVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}

// Run watches the file's directory, so atomic renames are seen too, until ctx
// is done.
func (w *VersionWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	w.logger.Info().Str("file", target).Msg("watching version file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.check(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("version watcher error")
		}
	}
}

func (w *VersionWatcher) check(ctx context.Context) {
	version, err := ReadVersion(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("read version file")
		return
	}
	if version == "" || version == w.last {
		return
	}
	w.logger.Info().Str("from", w.last).Str("to", version).Msg("new version detected")
	if err := w.onChange(ctx, version); err != nil {
		w.logger.Error().Err(err).Str("version", version).Msg("version upgrade failed")
		return
	}
	w.last = version
}
