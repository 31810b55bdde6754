// Package bridge is the localhost HTTP surface the extension shim connects
// to. Inbound, it turns shim posts (tab lifecycle, page URL updates, panel
// actions) into coordinator calls and watcher feeds; outbound, it queues
// commands (navigate, badge, open panel) that the shim polls. It implements
// the coordinator's Browser surface.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/classify"
	"github.com/oppwatch/oppwatch/internal/config"
	"github.com/oppwatch/oppwatch/internal/coordinator"
	"github.com/oppwatch/oppwatch/internal/panel"
	"github.com/oppwatch/oppwatch/internal/store"
	"github.com/oppwatch/oppwatch/internal/watcher"
)

// TabEvents is the slice of the coordinator the bridge forwards shim events to.
type TabEvents interface {
	HandleNavigated(ctx context.Context, tabID int64, url string)
	HandleRemoved(tabID int64)
	HandleActivated(tabID int64)
	HandleIconActivated(ctx context.Context, tabID int64) error
}

// Command is an outbound instruction for the shim, polled per tab.
type Command struct {
	Type    string `json:"type"` // navigate | set_badge | open_panel
	TabID   int64  `json:"tab_id"`
	URL     string `json:"url,omitempty"`
	Visible bool   `json:"visible,omitempty"`
}

// pageState is the daemon-side mirror of one tab's page, fed by shim URL
// updates. It is each injected watcher's PageReader.
type pageState struct {
	mu  sync.Mutex
	url string
}

func (p *pageState) CurrentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *pageState) set(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

type tabEntry struct {
	info          coordinator.TabInfo
	page          *pageState
	watcher       *watcher.Watcher
	cancelWatcher context.CancelFunc
	watcherDone   chan struct{}
	restarting    bool
}

// Bridge serves the shim API and owns the daemon-side tab mirrors.
type Bridge struct {
	cfg       config.BridgeConfig
	detection config.DetectionConfig
	cls       *classify.Classifier
	store     *store.Store
	bus       *bus.Bus

	mu       sync.Mutex
	panel    *panel.Panel
	events   TabEvents
	tabs     map[int64]*tabEntry
	commands map[int64][]Command
	runCtx   context.Context
}

// New creates a bridge. The coordinator and panel are attached afterwards
// with SetTabEvents and SetPanel; the three reference each other, so the
// bridge side binds late. p may be nil at construction.
func New(cfg config.BridgeConfig, det config.DetectionConfig, cls *classify.Classifier, st *store.Store, b *bus.Bus, p *panel.Panel) *Bridge {
	return &Bridge{
		cfg:       cfg,
		detection: det,
		cls:       cls,
		store:     st,
		bus:       b,
		panel:     p,
		tabs:      make(map[int64]*tabEntry),
		commands:  make(map[int64][]Command),
	}
}

// SetTabEvents attaches the coordinator-facing event sink.
func (b *Bridge) SetTabEvents(ev TabEvents) {
	b.mu.Lock()
	b.events = ev
	b.mu.Unlock()
}

// SetPanel attaches the panel controller serving the /v1/panel endpoints.
func (b *Bridge) SetPanel(p *panel.Panel) {
	b.mu.Lock()
	b.panel = p
	b.mu.Unlock()
}

func (b *Bridge) getPanel() *panel.Panel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.panel
}

// Serve runs the HTTP server until the context is cancelled.
func (b *Bridge) Serve(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	srv := &http.Server{
		Addr:              b.cfg.ListenAddr,
		Handler:           b.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Bridge listening", "addr", b.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge server: %w", err)
	}
}

func (b *Bridge) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tabs/navigated", b.handleTabNavigated)
	mux.HandleFunc("POST /v1/tabs/removed", b.handleTabRemoved)
	mux.HandleFunc("POST /v1/tabs/activated", b.handleTabActivated)
	mux.HandleFunc("POST /v1/tabs/url", b.handlePageURL)
	mux.HandleFunc("POST /v1/icon", b.handleIconActivated)
	mux.HandleFunc("GET /v1/commands", b.handleCommands)
	mux.HandleFunc("GET /v1/status", b.handleStatus)
	mux.HandleFunc("GET /v1/detections", b.handleDetections)
	mux.HandleFunc("POST /v1/panel/opened", b.handlePanelOpened)
	mux.HandleFunc("POST /v1/panel/closed", b.handlePanelClosed)
	mux.HandleFunc("GET /v1/panel/view", b.handlePanelView)
	mux.HandleFunc("POST /v1/panel/auto-open", b.handleSetAutoOpen)
	mux.HandleFunc("POST /v1/panel/navigate", b.handleNavigateRequest)
	return b.withAuth(mux)
}

// withAuth enforces the inbound bearer token when one is configured.
func (b *Bridge) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.cfg.InboundToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != b.cfg.InboundToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type tabEventBody struct {
	TabID  int64  `json:"tab_id"`
	URL    string `json:"url,omitempty"`
	Active bool   `json:"active,omitempty"`
}

func (b *Bridge) handleTabNavigated(w http.ResponseWriter, r *http.Request) {
	var body tabEventBody
	if !decode(w, r, &body) {
		return
	}

	b.mu.Lock()
	entry, ok := b.tabs[body.TabID]
	if !ok {
		entry = &tabEntry{page: &pageState{}}
		b.tabs[body.TabID] = entry
	}
	entry.info = coordinator.TabInfo{ID: body.TabID, URL: body.URL, Active: body.Active}
	entry.page.set(body.URL)
	events := b.events
	c := b.runCtx
	b.mu.Unlock()

	if events != nil {
		if c == nil {
			c = r.Context()
		}
		events.HandleNavigated(c, body.TabID, body.URL)
		if body.Active {
			events.HandleActivated(body.TabID)
		}
	}
	writeJSON(w, map[string]any{"success": true})
}

func (b *Bridge) handleTabRemoved(w http.ResponseWriter, r *http.Request) {
	var body tabEventBody
	if !decode(w, r, &body) {
		return
	}

	b.mu.Lock()
	entry, ok := b.tabs[body.TabID]
	if ok {
		delete(b.tabs, body.TabID)
	}
	delete(b.commands, body.TabID)
	events := b.events
	b.mu.Unlock()

	if ok && entry.cancelWatcher != nil {
		entry.cancelWatcher()
	}
	if events != nil {
		events.HandleRemoved(body.TabID)
	}
	writeJSON(w, map[string]any{"success": true})
}

func (b *Bridge) handleTabActivated(w http.ResponseWriter, r *http.Request) {
	var body tabEventBody
	if !decode(w, r, &body) {
		return
	}
	b.mu.Lock()
	if entry, ok := b.tabs[body.TabID]; ok {
		entry.info.Active = true
	}
	for id, entry := range b.tabs {
		if id != body.TabID {
			entry.info.Active = false
		}
	}
	events := b.events
	b.mu.Unlock()

	if events != nil {
		events.HandleActivated(body.TabID)
	}
	writeJSON(w, map[string]any{"success": true})
}

// handlePageURL is the shim's high-frequency feed: the page URL as of the
// latest DOM change. It updates the tab mirror and nudges the watcher's
// debounced re-check.
func (b *Bridge) handlePageURL(w http.ResponseWriter, r *http.Request) {
	var body tabEventBody
	if !decode(w, r, &body) {
		return
	}

	b.mu.Lock()
	entry, ok := b.tabs[body.TabID]
	var wch *watcher.Watcher
	if ok {
		entry.info.URL = body.URL
		entry.page.set(body.URL)
		wch = entry.watcher
	}
	b.mu.Unlock()
	if !ok {
		http.Error(w, "unknown tab", http.StatusNotFound)
		return
	}
	if wch != nil {
		wch.Notify()
	}
	writeJSON(w, map[string]any{"success": true})
}

func (b *Bridge) handleIconActivated(w http.ResponseWriter, r *http.Request) {
	var body tabEventBody
	if !decode(w, r, &body) {
		return
	}
	b.mu.Lock()
	events := b.events
	b.mu.Unlock()
	if events != nil {
		if err := events.HandleIconActivated(r.Context(), body.TabID); err != nil {
			slog.Warn("Bridge icon activation failed", "tab", body.TabID, "error", err)
		}
	}
	writeJSON(w, map[string]any{"success": true})
}

// handleCommands returns and clears the pending command queue for a tab.
func (b *Bridge) handleCommands(w http.ResponseWriter, r *http.Request) {
	tabID, err := strconv.ParseInt(r.URL.Query().Get("tab_id"), 10, 64)
	if err != nil {
		http.Error(w, "bad tab_id", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	cmds := b.commands[tabID]
	delete(b.commands, tabID)
	b.mu.Unlock()
	if cmds == nil {
		cmds = []Command{}
	}
	writeJSON(w, cmds)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	det, hasDet, _ := b.store.Detection()
	orgID, _ := b.store.CurrentOrgID()

	b.mu.Lock()
	tabCount := len(b.tabs)
	b.mu.Unlock()

	status := map[string]any{
		"is_crm":    tabCount > 0,
		"org_id":    orgID,
		"tabs":      tabCount,
		"auto_open": b.store.AutoOpen(),
	}
	if hasDet {
		status["opportunity_id"] = det.OpportunityID
		status["source_url"] = det.SourceURL
		status["last_updated"] = det.LastUpdatedAt
	}
	writeJSON(w, status)
}

func (b *Bridge) handleDetections(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	recs, err := b.store.RecentDetections(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []store.DetectionRecord{}
	}
	writeJSON(w, recs)
}

func (b *Bridge) handlePanelOpened(w http.ResponseWriter, r *http.Request) {
	p := b.getPanel()
	if p == nil {
		http.Error(w, "panel not ready", http.StatusServiceUnavailable)
		return
	}
	p.Open(r.Context())
	writeJSON(w, map[string]any{"success": true})
}

func (b *Bridge) handlePanelClosed(w http.ResponseWriter, r *http.Request) {
	p := b.getPanel()
	if p == nil {
		http.Error(w, "panel not ready", http.StatusServiceUnavailable)
		return
	}
	p.Close()
	writeJSON(w, map[string]any{"success": true})
}

func (b *Bridge) handlePanelView(w http.ResponseWriter, r *http.Request) {
	p := b.getPanel()
	if p == nil {
		http.Error(w, "panel not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, p.View())
}

func (b *Bridge) handleSetAutoOpen(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &body) {
		return
	}
	p := b.getPanel()
	if p == nil {
		http.Error(w, "panel not ready", http.StatusServiceUnavailable)
		return
	}
	if err := p.SetAutoOpen(body.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (b *Bridge) handleNavigateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OpportunityID string `json:"opportunity_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	p := b.getPanel()
	if p == nil {
		http.Error(w, "panel not ready", http.StatusServiceUnavailable)
		return
	}
	ok := p.NavigateToOpportunity(r.Context(), body.OpportunityID)
	writeJSON(w, map[string]any{"success": ok})
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Bridge response write failed", "error", err)
	}
}
