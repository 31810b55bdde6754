// Package crm is the HTTP client for the external CRM REST API. It is a
// pass-through collaborator: the detection core never depends on its results,
// and its failures must never take down detection or relay.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Opportunity is the record summary shown in the panel.
type Opportunity struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CustomerName   string    `json:"customer_name,omitempty"`
	Stage          string    `json:"stage,omitempty"`
	EstimatedValue float64   `json:"estimated_value,omitempty"`
	CloseDate      string    `json:"close_date,omitempty"`
	OwnerName      string    `json:"owner_name,omitempty"`
	ModifiedAt     time.Time `json:"modified_at,omitempty"`
}

// Activity is one entry of an opportunity's activity timeline.
type Activity struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Subject     string    `json:"subject"`
	Description string    `json:"description,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Client talks to the CRM API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a CRM client. An empty baseURL yields a client whose
// calls fail cleanly; callers treat that as "no data".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetOpportunity fetches a single opportunity record.
func (c *Client) GetOpportunity(ctx context.Context, id string) (*Opportunity, error) {
	var opp Opportunity
	if err := c.get(ctx, "/opportunities/"+url.PathEscape(id), &opp); err != nil {
		return nil, err
	}
	return &opp, nil
}

// ListActivities fetches up to limit timeline entries for an opportunity,
// newest first.
func (c *Client) ListActivities(ctx context.Context, id string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	path := "/opportunities/" + url.PathEscape(id) + "/activities?limit=" + strconv.Itoa(limit)
	var acts []Activity
	if err := c.get(ctx, path, &acts); err != nil {
		return nil, err
	}
	return acts, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("crm: no base URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("crm auth rejected: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("crm api status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm decode failed: %w", err)
	}
	return nil
}
