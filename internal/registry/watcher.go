package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = fmt.Errorf("failed to initialize filesystem watcher")

// Watcher reloads a Registry when files under its directory change.
// Bursts of events are coalesced into one reload after the debounce
// interval.
type Watcher struct {
	reg      *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	reloaded chan struct{}
}

// NewWatcher watches the registry directory and its definition
// subdirectories.
func NewWatcher(reg *Registry, debounce time.Duration) (*Watcher, error) {
	if reg.dir == "" {
		return nil, fmt.Errorf("%w: registry has no directory", ErrWatcherFailed)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fw.Add(reg.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	for _, sub := range []string{"prompts", "gates", "methodologies"} {
		path := filepath.Join(reg.dir, sub)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := fw.Add(path); err != nil {
				fw.Close()
				return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
			}
		}
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{reg: reg, watcher: fw, debounce: debounce, reloaded: make(chan struct{}, 1)}, nil
}

// Reloaded returns a channel signalled after each reload attempt.
func (w *Watcher) Reloaded() <-chan struct{} { return w.reloaded }

// Run processes events until ctx is done, then closes the watcher. It
// returns nil on cancellation so it can run under an errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			// a subdirectory created after start needs its own watch
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == w.reg.dir {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(ev.Name)
				}
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true

		case <-timer.C:
			pending = false
			_ = w.reg.Reload(ctx)
			select {
			case w.reloaded <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.reg.logger.Warn(ctx, "registry watcher error", zap.Error(err))
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return true
}
