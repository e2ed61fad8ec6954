package smsscan

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of writes a single insert produces on
// the database and its WAL.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures Run.
type WatchOptions struct {
	// Debounce delays a scan after the last file change. Zero uses DefaultDebounce.
	Debounce time.Duration
	// Interval forces a scan periodically. Zero disables polling.
	Interval time.Duration
	// Watch enables fsnotify on the database directory.
	Watch bool
}

// Run scans once, then rescans on file changes and on the polling interval
// until ctx is cancelled. Scan errors are logged and do not stop the loop.
func (s *Scanner) Run(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	s.scanLogged(ctx)

	var changes <-chan fsnotify.Event
	var watchErrs <-chan error
	if opts.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer func() { _ = watcher.Close() }()

		// The directory catches the -wal and -journal siblings too.
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
		}
		changes, watchErrs = watcher.Events, watcher.Errors
		s.logger.Info("watching legacy database", zap.String("path", s.path))
	}

	var tick <-chan time.Time
	if opts.Interval > 0 {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	debounce := time.NewTimer(opts.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if s.relevant(evt) {
				debounce.Reset(opts.Debounce)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.logger.Warn("watcher error", zap.Error(err))
		case <-debounce.C:
			s.scanLogged(ctx)
		case <-tick:
			s.scanLogged(ctx)
		}
	}
}

func (s *Scanner) relevant(evt fsnotify.Event) bool {
	if !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(evt.Name), filepath.Base(s.path))
}

func (s *Scanner) scanLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Scan(ctx); err != nil {
		s.logger.Error("legacy scan failed", zap.String("path", s.path), zap.Error(err))
	}
}
