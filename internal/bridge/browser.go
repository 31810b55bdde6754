package bridge

import (
	"context"
	"log/slog"

	"github.com/oppwatch/oppwatch/internal/coordinator"
	"github.com/oppwatch/oppwatch/internal/watcher"
)

// The bridge doubles as the coordinator's browser: tab state comes from shim
// reports, watcher injection runs a daemon-side watcher over the tab's URL
// feed, and navigate/badge/panel actions queue as commands the shim polls.

func (b *Bridge) Tabs(ctx context.Context) ([]coordinator.TabInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]coordinator.TabInfo, 0, len(b.tabs))
	for _, entry := range b.tabs {
		out = append(out, entry.info)
	}
	return out, nil
}

// InjectWatcher starts a watcher goroutine for the tab, bound to its bus
// address. Idempotent while a watcher is already running. A replacement only
// starts after the previous watcher's goroutine has fully exited, so a dying
// watcher can never shadow or strip its successor's binding.
func (b *Bridge) InjectWatcher(ctx context.Context, tabID int64) error {
	b.mu.Lock()
	entry, ok := b.tabs[tabID]
	if !ok {
		entry = &tabEntry{page: &pageState{}}
		b.tabs[tabID] = entry
	}
	if entry.restarting || (entry.watcher != nil && b.bus.Bound(watcher.Address(tabID))) {
		b.mu.Unlock()
		return nil
	}
	entry.restarting = true
	oldCancel := entry.cancelWatcher
	oldDone := entry.watcherDone
	b.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldDone != nil {
		select {
		case <-oldDone:
		case <-ctx.Done():
			b.mu.Lock()
			entry.restarting = false
			b.mu.Unlock()
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, still := b.tabs[tabID]; !still || cur != entry {
		// tab removed (or recycled) while we waited; a later poll
		// re-injects into the fresh entry
		entry.restarting = false
		return nil
	}
	w := watcher.New(tabID, entry.page, b.cls, b.store, b.bus, b.detection.TickInterval, b.detection.Debounce)
	runCtx := b.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	wCtx, cancel := context.WithCancel(runCtx)
	done := make(chan struct{})
	entry.watcher = w
	entry.cancelWatcher = cancel
	entry.watcherDone = done
	entry.restarting = false
	go func() {
		defer close(done)
		if err := w.Run(wCtx); err != nil && wCtx.Err() == nil {
			slog.Warn("Watcher exited", "tab", tabID, "error", err)
		}
	}()
	return nil
}

func (b *Bridge) Navigate(ctx context.Context, tabID int64, url string) error {
	b.enqueue(tabID, Command{Type: "navigate", TabID: tabID, URL: url})
	return nil
}

func (b *Bridge) OpenPanel(ctx context.Context, tabID int64) error {
	b.enqueue(tabID, Command{Type: "open_panel", TabID: tabID})
	return nil
}

func (b *Bridge) SetBadge(tabID int64, visible bool) {
	b.enqueue(tabID, Command{Type: "set_badge", TabID: tabID, Visible: visible})
}

func (b *Bridge) enqueue(tabID int64, cmd Command) {
	b.mu.Lock()
	b.commands[tabID] = append(b.commands[tabID], cmd)
	b.mu.Unlock()
}
