package daemon

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// trunkWatcher signals when the trunk ref may have moved: a write to
// refs/heads/<trunk>, to the remote-tracking ref, or to packed-refs. The
// maintenance tick still compares tips, so a missed event only delays the
// rebase pass.
type trunkWatcher struct {
	w       *fsnotify.Watcher
	trunk   string
	changes chan struct{}
}

// watchTrunk watches the repository at gitDir. It fails only when none of
// the ref directories could be watched.
func watchTrunk(gitDir, trunk, remote string) (*trunkWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := []string{gitDir, filepath.Join(gitDir, "refs", "heads")}
	if remote != "" {
		dirs = append(dirs, filepath.Join(gitDir, "refs", "remotes", remote))
	}
	added := 0
	for _, dir := range dirs {
		if err := w.Add(dir); err == nil {
			added++
		}
	}
	if added == 0 {
		_ = w.Close()
		return nil, errors.New("no ref directories to watch under " + gitDir)
	}
	return &trunkWatcher{w: w, trunk: trunk, changes: make(chan struct{}, 1)}, nil
}

// run forwards relevant events until ctx ends or the watcher closes.
// Bursts collapse into a single pending signal.
func (t *trunkWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.w.Events:
			if !ok {
				return
			}
			if !t.relevant(ev) {
				continue
			}
			select {
			case t.changes <- struct{}{}:
			default:
			}
		case _, ok := <-t.w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (t *trunkWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	return base == t.trunk || base == "packed-refs"
}

// Changes delivers one value per burst of trunk updates.
func (t *trunkWatcher) Changes() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.changes
}

// Close stops the watcher. It is safe on a nil watcher.
func (t *trunkWatcher) Close() error {
	if t == nil {
		return nil
	}
	return t.w.Close()
}
