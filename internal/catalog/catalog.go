// Package catalog lists the audio payloads available for broadcast. A
// payload is an Ogg/Opus file in the catalog directory; its PayloadRef is the
// file name without extension.
package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cheersbot/internal/broadcast"
	logx "cheersbot/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

var extensions = map[string]bool{".ogg": true, ".opus": true}

type snapshot struct {
	refs  []broadcast.PayloadRef
	paths map[broadcast.PayloadRef]string
}

type Catalog struct {
	dir  string
	log  logx.Logger
	snap atomic.Pointer[snapshot]
}

// New scans dir once. A missing directory yields an empty catalog.
func New(dir string, log logx.Logger) (*Catalog, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Catalog{dir: dir, log: log.With(logx.Comp("catalog"))}
	c.snap.Store(&snapshot{paths: map[broadcast.PayloadRef]string{}})
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Dir() string { return c.dir }

// Refresh rescans the directory and swaps the snapshot.
func (c *Catalog) Refresh() error {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		c.log.Warn("catalog dir missing", logx.String("dir", c.dir))
		entries = nil
	} else if err != nil {
		return err
	}

	next := &snapshot{paths: make(map[broadcast.PayloadRef]string, len(entries))}
	for _, e := range entries {
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if e.IsDir() || !extensions[ext] || strings.HasPrefix(name, ".") {
			continue
		}
		ref := broadcast.PayloadRef(strings.TrimSuffix(name, filepath.Ext(name)))
		if _, dup := next.paths[ref]; dup {
			continue
		}
		next.paths[ref] = filepath.Join(c.dir, name)
		next.refs = append(next.refs, ref)
	}
	sort.Slice(next.refs, func(i, j int) bool { return next.refs[i] < next.refs[j] })

	prev := c.snap.Swap(next)
	if len(prev.refs) != len(next.refs) {
		c.log.Info("catalog refreshed", logx.Int("payloads", len(next.refs)))
	}
	return nil
}

// ListAvailable implements broadcast.PayloadCatalog.
func (c *Catalog) ListAvailable(context.Context) ([]broadcast.PayloadRef, error) {
	return append([]broadcast.PayloadRef(nil), c.snap.Load().refs...), nil
}

// Path returns the file backing ref.
func (c *Catalog) Path(ref broadcast.PayloadRef) (string, bool) {
	p, ok := c.snap.Load().paths[ref]
	return p, ok
}

// Watch refreshes on directory changes until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(c.dir); err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(300*time.Millisecond, func() {
			if err := c.Refresh(); err != nil {
				c.log.Warn("catalog refresh failed", logx.Err(err))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("catalog watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("catalog watcher closed")
			}
			c.log.Warn("catalog watch error", logx.Err(err))
		}
	}
}
