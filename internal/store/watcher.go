package store

import (
	"sync"
	"time"

	"kbrouter/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// KNOWLEDGE DIRECTORY WATCHER
// =============================================================================

// Watcher invalidates the store snapshot when files under the knowledge
// directory change, so an external ingest run is picked up without waiting
// for the periodic refresh. Events are debounced because editors and sync
// tools fire bursts of writes for one logical change.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	store       *KnowledgeStore
	dir         string
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over dir that invalidates store on change.
func NewWatcher(store *KnowledgeStore, dir string) *Watcher {
	return &Watcher{
		store:       store,
		dir:         dir,
		debounceDur: 500 * time.Millisecond,
	}
}

// Start begins watching. Safe to call once; returns an error if the
// directory cannot be watched.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	go w.loop()

	logging.Store("Watching knowledge directory: %s", w.dir)
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	// Trailing-edge debounce: each event resets the timer, and the snapshot
	// is invalidated only after the burst goes quiet. A leading-edge throttle
	// would miss writes landing after the first invalidation.
	var timer *time.Timer
	var fire <-chan time.Time

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			logging.StoreDebug("Knowledge dir changed (%s), debouncing", event.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounceDur)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-fire:
					default:
					}
				}
				timer.Reset(w.debounceDur)
			}
		case <-fire:
			timer = nil
			fire = nil
			w.store.Invalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.StoreWarn("Watcher error: %v", err)
		}
	}
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.watcher.Close()
	w.mu.Unlock()

	<-w.doneCh
}

// =============================================================================
// PERIODIC REFRESH
// =============================================================================

// StartRefresher reloads the snapshot every interval until stop is closed.
// Refresh failures are logged and retried on the next tick; the previous
// snapshot stays in service.
func (s *KnowledgeStore) StartRefresher(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := refreshContext()
				if _, err := s.Refresh(ctx); err != nil {
					logging.StoreWarn("Periodic refresh failed: %v", err)
				}
				cancel()
			}
		}
	}()
}
