package kv

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// watchHub fans change notifications out to watchers.
type watchHub struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	keys   map[string]struct{}
	signal chan struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[*watcher]struct{})}
}

func (h *watchHub) add(w *watcher) {
	h.mu.Lock()
	h.watchers[w] = struct{}{}
	h.mu.Unlock()
}

func (h *watchHub) remove(w *watcher) {
	h.mu.Lock()
	delete(h.watchers, w)
	h.mu.Unlock()
}

func (h *watchHub) notify(keys [][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		for _, k := range keys {
			if _, ok := w.keys[string(k)]; ok {
				select {
				case w.signal <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}

// Watch streams snapshots of keys. The first snapshot is the current state;
// later ones follow any change to a watched key. Consecutive snapshots with
// identical versionstamps are suppressed. The channel closes when ctx is
// done or the store closes.
func (db *DB) Watch(ctx context.Context, keys []Key) (<-chan []Entry, error) {
	if db.closed.Load() {
		return nil, ErrStoreClosed
	}
	if len(keys) == 0 {
		return nil, ErrInvalidKey
	}

	raws := make([][]byte, len(keys))
	w := &watcher{
		keys:   make(map[string]struct{}, len(keys)),
		signal: make(chan struct{}, 1),
	}
	for i, k := range keys {
		raw, err := encodeKey(k)
		if err != nil {
			return nil, err
		}
		raws[i] = raw
		w.keys[string(raw)] = struct{}{}
	}

	if err := db.ensureSubscribed(); err != nil {
		db.log.Warn("kv watch running without cross-process notifications", zap.Error(err))
	}

	db.hub.add(w)
	out := make(chan []Entry, 1)
	w.signal <- struct{}{}

	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		defer close(out)
		defer db.hub.remove(w)

		var last []string
		for {
			select {
			case <-ctx.Done():
				return
			case <-db.done:
				return
			case <-w.signal:
			}
			if db.closed.Load() {
				return
			}

			snapshot, err := db.readRaw(ctx, raws)
			if err != nil {
				if ctx.Err() == nil {
					db.log.Warn("kv watch read failed", zap.Error(err))
				}
				continue
			}

			stamps := make([]string, len(snapshot))
			for i, e := range snapshot {
				stamps[i] = e.Versionstamp
			}
			if last != nil && slices.Equal(last, stamps) {
				continue
			}
			last = stamps

			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			case <-db.done:
				return
			}
		}
	}()

	return out, nil
}

