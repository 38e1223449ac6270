package proc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gofrs/flock"
)

const fileLockRetry = 50 * time.Millisecond

// ShowLocks hands out one exclusive lease per show.
// With Dir set every lease also holds a lock file, serializing publishers living in other processes.
type ShowLocks struct {
	Dir string

	mu    sync.Mutex
	locks map[string]*showLock
}

type showLock struct {
	ch   chan struct{}
	refs int
}

// Acquire blocks until the show's lease is free or ctx is done. The returned func releases it.
func (l *ShowLocks) Acquire(ctx context.Context, showID string) (func(), error) {
	sl := l.ref(showID)
	select {
	case sl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(showID)
		return nil, ctx.Err()
	}

	release := func() {
		<-sl.ch
		l.unref(showID)
	}

	if l.Dir == "" {
		return release, nil
	}

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		release()
		return nil, fmt.Errorf("create lock dir %s: %w", l.Dir, err)
	}
	fl := flock.New(filepath.Join(l.Dir, showID+".lock"))
	locked, err := fl.TryLockContext(ctx, fileLockRetry)
	if err != nil || !locked {
		release()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock file of %s: %w", showID, err)
	}
	log.Printf("[DEBUG] locked %s", fl.Path())

	return func() {
		if err := fl.Unlock(); err != nil {
			log.Printf("[WARN] can't unlock %s, %v", fl.Path(), err)
		}
		release()
	}, nil
}

func (l *ShowLocks) ref(showID string) *showLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = map[string]*showLock{}
	}
	sl, ok := l.locks[showID]
	if !ok {
		sl = &showLock{ch: make(chan struct{}, 1)}
		l.locks[showID] = sl
	}
	sl.refs++
	return sl
}

func (l *ShowLocks) unref(showID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl := l.locks[showID]
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, showID)
	}
}
