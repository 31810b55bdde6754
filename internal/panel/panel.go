// Package panel implements the UI-facing controller: it subscribes to
// detection broadcasts for the lifetime of the panel, pulls opportunity data
// from the CRM API, and forwards user actions to the coordinator.
package panel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/crm"
	"github.com/oppwatch/oppwatch/internal/store"
)

// Fetcher fetches opportunity data from the external CRM.
type Fetcher interface {
	GetOpportunity(ctx context.Context, id string) (*crm.Opportunity, error)
	ListActivities(ctx context.Context, id string, limit int) ([]crm.Activity, error)
}

// Coordinator is the slice of the tab coordinator the panel talks to.
type Coordinator interface {
	HandlePopupOpened(ctx context.Context)
	CRMStatus() (isCRM bool, orgID string)
	SetAutoOpen(enabled bool) error
	NavigateToOpportunity(ctx context.Context, opportunityID string) bool
}

// Mode is what the panel is currently showing.
type Mode string

const (
	// ModeListing is the default view when no record is detected.
	ModeListing Mode = "listing"
	// ModeRecord shows the detected opportunity's summary.
	ModeRecord Mode = "record"
)

// View is the panel's render model. Opportunity and Activities are nil when
// the fetch failed or is still in flight; the panel degrades to showing just
// the id.
type View struct {
	Mode           Mode             `json:"mode"`
	IsCRM          bool             `json:"is_crm"`
	OrganizationID string           `json:"organization_id,omitempty"`
	OpportunityID  string           `json:"opportunity_id,omitempty"`
	Opportunity    *crm.Opportunity `json:"opportunity,omitempty"`
	Activities     []crm.Activity   `json:"activities,omitempty"`
	LastEventAt    time.Time        `json:"last_event_at,omitempty"`
}

// Panel is one open panel instance.
type Panel struct {
	coord        Coordinator
	bus          *bus.Bus
	store        *store.Store
	crm          Fetcher
	fetchTimeout time.Duration

	mu    sync.Mutex
	open  bool
	unsub func()
	view  View
}

// New creates a panel controller. It does nothing until Open.
func New(coord Coordinator, b *bus.Bus, st *store.Store, fetcher Fetcher) *Panel {
	return &Panel{
		coord:        coord,
		bus:          b,
		store:        st,
		crm:          fetcher,
		fetchTimeout: 10 * time.Second,
		view:         View{Mode: ModeListing},
	}
}

// Open wires the panel up: notifies the coordinator (which clears badges and
// polls the active tab immediately), loads current status, and subscribes to
// detection broadcasts until Close. Opening twice is a no-op.
func (p *Panel) Open(ctx context.Context) {
	p.mu.Lock()
	if p.open {
		p.mu.Unlock()
		return
	}
	p.open = true
	p.unsub = p.bus.Subscribe(p.onEvent)
	p.mu.Unlock()

	p.coord.HandlePopupOpened(ctx)

	isCRM, orgID := p.coord.CRMStatus()
	p.mu.Lock()
	p.view.IsCRM = isCRM
	p.view.OrganizationID = orgID
	p.mu.Unlock()

	// The store may already hold a current record from before the panel
	// opened; render it without waiting for the next broadcast.
	if det, ok, err := p.store.Detection(); err == nil && ok {
		p.showRecord(det.OpportunityID, det.OrganizationID, det.LastUpdatedAt)
	}
}

// Close unsubscribes from broadcasts. Idempotent.
func (p *Panel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.open = false
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
}

// SetAutoOpen forwards the preference to the coordinator.
func (p *Panel) SetAutoOpen(enabled bool) error {
	return p.coord.SetAutoOpen(enabled)
}

// NavigateToOpportunity asks the coordinator to point a tracked tab at the
// record. Returns false when no tracked tab could take the navigation.
func (p *Panel) NavigateToOpportunity(ctx context.Context, opportunityID string) bool {
	return p.coord.NavigateToOpportunity(ctx, opportunityID)
}

// View returns a snapshot of the current render model.
func (p *Panel) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.view
	if v.Activities != nil {
		v.Activities = append([]crm.Activity(nil), v.Activities...)
	}
	return v
}

func (p *Panel) onEvent(ev *bus.Event) {
	switch ev.Type {
	case bus.EventOpportunityDetected:
		p.showRecord(ev.OpportunityID, ev.OrganizationID, ev.Timestamp)
	case bus.EventOpportunityCleared:
		p.mu.Lock()
		p.view = View{
			Mode:           ModeListing,
			IsCRM:          p.view.IsCRM,
			OrganizationID: p.view.OrganizationID,
			LastEventAt:    ev.Timestamp,
		}
		p.mu.Unlock()
	}
}

// showRecord switches the view to the record and kicks off the data fetch.
// A failed fetch leaves the id visible with no detail; it never propagates.
func (p *Panel) showRecord(id, orgID string, at time.Time) {
	p.mu.Lock()
	if orgID != "" {
		p.view.OrganizationID = orgID
	}
	p.view.Mode = ModeRecord
	p.view.IsCRM = true
	p.view.OpportunityID = id
	p.view.Opportunity = nil
	p.view.Activities = nil
	p.view.LastEventAt = at
	p.mu.Unlock()

	go p.fetch(id)
}

func (p *Panel) fetch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.fetchTimeout)
	defer cancel()

	opp, err := p.crm.GetOpportunity(ctx, id)
	if err != nil {
		slog.Warn("Panel opportunity fetch failed", "opportunity_id", id, "error", err)
		return
	}
	acts, err := p.crm.ListActivities(ctx, id, 20)
	if err != nil {
		slog.Warn("Panel activity fetch failed", "opportunity_id", id, "error", err)
		// Keep the opportunity; the timeline is optional.
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.view.OpportunityID != id || p.view.Mode != ModeRecord {
		return // a newer event won the race
	}
	p.view.Opportunity = opp
	p.view.Activities = acts
}
