package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"qibot/pkg/logx"
)

// Store loads and caches schedule documents, one entry per resolved path.
//
// Change detection is by modification signature (mtime + size). A document
// is reloaded only when the signature differs; reloads install a complete
// new *Document in one swap, so readers never observe half-loaded state.
// An fsnotify watcher additionally marks entries dirty on write events,
// which catches editors that rewrite files without advancing the mtime
// resolution; the signature stays authoritative.
type Store struct {
	log logx.Logger

	mu      sync.RWMutex
	entries map[string]*storeEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

type storeEntry struct {
	doc    *Document
	mtime  time.Time
	size   int64
	exists bool
	dirty  bool
}

func NewStore(log logx.Logger) *Store {
	s := &Store{
		log:     log.With(logx.String("component", "schedule-store")),
		entries: map[string]*storeEntry{},
		done:    make(chan struct{}),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("fsnotify unavailable, falling back to signature polling only", logx.Err(err))
		return s
	}
	s.watcher = w
	s.wg.Add(1)
	go s.watchLoop()
	return s
}

func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.wg.Wait()
	return nil
}

// Get returns the cached document for path, loading it on first request.
func (s *Store) Get(path string) (*Document, error) {
	key, err := resolveKey(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e.doc, nil
	}
	return s.Refresh(path, true)
}

// Refresh reloads the document if the file changed since the last load (or
// unconditionally when force is set). On a parse failure the previous cached
// document stays installed and the error is returned; a missing file is not
// an error and yields the empty document.
func (s *Store) Refresh(path string, force bool) (*Document, error) {
	key, err := resolveKey(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]

	st, statErr := os.Stat(key)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			if e != nil {
				return e.doc, nil
			}
			return nil, fmt.Errorf("stat schedule %s: %w", key, statErr)
		}
		// Missing file: empty document, scheduler keeps running.
		if e == nil || e.exists {
			e = &storeEntry{doc: EmptyDocument()}
			s.entries[key] = e
			s.watch(key)
			s.log.Info("schedule file absent, using empty document", logx.String("path", key))
		}
		return e.doc, nil
	}

	if e != nil && !force && !e.dirty && e.exists &&
		e.mtime.Equal(st.ModTime()) && e.size == st.Size() {
		return e.doc, nil
	}

	raw, err := os.ReadFile(key)
	if err != nil {
		if e != nil {
			return e.doc, err
		}
		return nil, err
	}

	doc, err := ParseDocument([]byte(StripJSONC(string(raw))))
	if err != nil {
		err = fmt.Errorf("parse schedule %s: %w", key, err)
		if e != nil {
			// keep the last good document installed
			return e.doc, err
		}
		return nil, err
	}

	s.entries[key] = &storeEntry{doc: doc, mtime: st.ModTime(), size: st.Size(), exists: true}
	s.watch(key)
	s.log.Info("schedule loaded",
		logx.String("path", key),
		logx.Int("days", len(doc.Days)),
		logx.Int("templates", len(doc.Templates)))
	return doc, nil
}

// watch registers the file's directory; watching the directory instead of
// the file survives rename-replace saves. Callers hold s.mu.
func (s *Store) watch(key string) {
	if s.watcher == nil {
		return
	}
	dir := filepath.Dir(key)
	if err := s.watcher.Add(dir); err != nil {
		s.log.Warn("watch failed", logx.String("dir", dir), logx.Err(err))
	}
}

func (s *Store) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			key, err := resolveKey(ev.Name)
			if err != nil {
				continue
			}
			s.mu.Lock()
			if e, ok := s.entries[key]; ok {
				e.dirty = true
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher error", logx.Err(err))
		}
	}
}

func resolveKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve schedule path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
