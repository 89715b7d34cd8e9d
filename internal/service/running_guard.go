package service

import (
	"context"
	"sync"
)

// ExportedRunGuard lets _test packages exercise the guard directly.
type ExportedRunGuard = runGuard

// runGuard admits one holder per key and tracks holders for shutdown.
type runGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
	wg   sync.WaitGroup
}

// TryLock claims key. It returns false if key is already held.
func (g *runGuard) TryLock(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		g.held = make(map[string]struct{})
	}
	if _, ok := g.held[key]; ok {
		return false
	}
	g.held[key] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock releases key. Only call after a successful TryLock.
func (g *runGuard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
	g.wg.Done()
}

// Held reports whether key is currently claimed.
func (g *runGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// WaitAll blocks until every holder has unlocked or ctx is done.
func (g *runGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
