package crm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetOpportunity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/opportunities/OPP-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"OPP-1","name":"Contoso renewal","stage":"Propose","estimated_value":125000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	opp, err := c.GetOpportunity(context.Background(), "OPP-1")
	if err != nil {
		t.Fatalf("GetOpportunity: %v", err)
	}
	if opp.Name != "Contoso renewal" || opp.EstimatedValue != 125000 {
		t.Fatalf("unexpected opportunity %+v", opp)
	}
}

func TestListActivities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/activities") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want 5", got)
		}
		w.Write([]byte(`[{"id":"a1","type":"email","subject":"Quote sent"},{"id":"a2","type":"call","subject":"Follow-up"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	acts, err := c.ListActivities(context.Background(), "OPP-1", 5)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(acts) != 2 || acts[0].Subject != "Quote sent" {
		t.Fatalf("unexpected activities %+v", acts)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/opportunities/denied":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.GetOpportunity(context.Background(), "denied"); err == nil || !strings.Contains(err.Error(), "auth") {
		t.Fatalf("expected auth error, got %v", err)
	}
	if _, err := c.GetOpportunity(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("", "")
	if _, err := c.GetOpportunity(context.Background(), "x"); err == nil {
		t.Fatal("expected error from unconfigured client")
	}
}

func TestPathEscaping(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.GetOpportunity(context.Background(), "id/with?chars"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotPath, "id%2Fwith%3Fchars") {
		t.Fatalf("record id not escaped: %q", gotPath)
	}
}
