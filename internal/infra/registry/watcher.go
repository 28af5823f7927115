package registry

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the catalog whenever a backing file changes. It blocks
// until ctx is done. Reload failures keep the previous catalog and are
// logged, not propagated; the catalog source is slow-changing and a broken
// intermediate write must not take the registry down.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch directories, not files: editors replace files on save and a
	// file-level watch dies with the old inode.
	dirs := map[string]struct{}{filepath.Dir(r.path): {}}
	if r.userPath != "" {
		dirs[filepath.Dir(r.userPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	watched := map[string]struct{}{filepath.Clean(r.path): {}}
	if r.userPath != "" {
		watched[filepath.Clean(r.userPath)] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, relevant := watched[filepath.Clean(event.Name)]; !relevant {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn("catalog reload failed; keeping previous catalog",
					zap.String("file", event.Name), zap.Error(err))
				continue
			}
			r.logger.Info("catalog reloaded", zap.String("file", event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("catalog watch error", zap.Error(err))
		}
	}
}
