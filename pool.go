package main

import (
	"context"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// minPoolSize is the smallest pool a round can draw from: one image per
// category, even though a draw may repeat images.
const minPoolSize = 3

// ImagePool holds the set of image identifiers players vote on. It is
// rescanned from disk periodically and whenever the directory changes, so
// the selectable set can grow or shrink while games are running. Draws
// re-check usability each round rather than assuming the pool is stable.
type ImagePool struct {
	dir string

	mu     sync.RWMutex
	images []string
}

func newImagePool(dir string) *ImagePool {
	return &ImagePool{
		dir: dir,
	}
}

// Rescan replaces the pool contents with the image files currently present
// in the pool directory. Filenames are sorted so identifiers are stable
// between rescans.
func (p *ImagePool) Rescan() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return err
	}

	images := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		images = append(images, entry.Name())
	}
	sort.Strings(images)

	p.mu.Lock()
	p.images = images
	p.mu.Unlock()

	return nil
}

func (p *ImagePool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.images)
}

// Usable reports whether the pool can supply a round.
func (p *ImagePool) Usable() bool {
	return p.Count() >= minPoolSize
}

// DrawThree picks three images independently and uniformly at random, with
// repetition allowed, so the same image can legitimately appear in more
// than one slot. Returns false if the pool is not usable.
func (p *ImagePool) DrawThree() ([3]string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var drawn [3]string
	if len(p.images) < minPoolSize {
		return drawn, false
	}

	for i := range drawn {
		drawn[i] = p.images[rand.Intn(len(p.images))]
	}

	return drawn, true
}

// Contains reports whether name is currently in the pool. Used to serve
// image files without exposing the rest of the directory.
func (p *ImagePool) Contains(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, image := range p.images {
		if image == name {
			return true
		}
	}
	return false
}

// Watch keeps the pool in sync with the image directory until ctx is done,
// reacting to filesystem events and falling back to a periodic rescan in
// case events are missed.
func (p *ImagePool) Watch(ctx context.Context, cfg *Config) {
	ticker := time.NewTicker(cfg.rescanInterval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logf(cfg, "POOL: Watcher unavailable, relying on periodic rescans: %v", err)
	} else {
		defer watcher.Close()

		if err := watcher.Add(p.dir); err != nil {
			logf(cfg, "POOL: Unable to watch %s: %v", p.dir, err)
		}
	}

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if !event.Has(fsnotify.Create | fsnotify.Remove | fsnotify.Rename | fsnotify.Write) {
				continue
			}
			if err := p.Rescan(); err != nil {
				logf(cfg, "POOL: Rescan failed: %v", err)
				continue
			}
			logf(cfg, "POOL: Rescanned %s after %s, %d image(s) available", p.dir, event.Op, p.Count())
		case err := <-errs:
			logf(cfg, "POOL: Watcher error: %v", err)
		case <-ticker.C:
			if err := p.Rescan(); err != nil {
				logf(cfg, "POOL: Rescan failed: %v", err)
				continue
			}
			logf(cfg, "POOL: Rescanned %s, %d image(s) available", p.dir, p.Count())
		}
	}
}
