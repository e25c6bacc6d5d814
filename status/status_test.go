package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dhcgn/siriusone-bridge/dispatch"
	"github.com/dhcgn/siriusone-bridge/model"
	"github.com/dhcgn/siriusone-bridge/registration"
	"github.com/dhcgn/siriusone-bridge/state"
	"github.com/dhcgn/siriusone-bridge/stats"
)

func get(t *testing.T, src Sources, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	NewRouter(src, nil).ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	w := get(t, Sources{}, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Errorf("body = %s, err %v", w.Body.String(), err)
	}
}

func TestStatus(t *testing.T) {
	machine := registration.NewMachine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)
	if _, err := machine.Submit(ctx, registration.RequestRegister{}); err != nil {
		t.Fatal(err)
	}

	pending := dispatch.NewPending(5, time.Hour)
	pending.Put(dispatch.Entry{ID: "p-1", CachedAt: time.Now()})
	tracker := state.NewMemoryTracker(10)
	tracker.MarkProcessed("fp", "c-1")

	src := Sources{
		Machine: machine,
		Stats:   func() stats.Summary { return stats.Summary{Polls: 3, Dispatched: 7} },
		Pending: pending,
		Tracker: tracker,
		Started: time.Now().Add(-time.Minute),
		Plugin:  "eu.europa.ec.fisheries.uvms.plugins.siriusone.siriusone",
	}

	w := get(t, src, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Registration != "REGISTER_PENDING" {
		t.Errorf("Registration = %q", got.Registration)
	}
	if got.LastTransition == nil {
		t.Error("LastTransition missing")
	}
	if got.Stats.Polls != 3 || got.Stats.Dispatched != 7 {
		t.Errorf("Stats = %+v", got.Stats)
	}
	if got.Pending.Len != 1 || got.Pending.Capacity != 5 {
		t.Errorf("Pending = %+v", got.Pending)
	}
	if got.Delivered.Processed != 1 {
		t.Errorf("Delivered = %+v", got.Delivered)
	}
	if got.Plugin != src.Plugin {
		t.Errorf("Plugin = %q", got.Plugin)
	}
}

func TestStatus_EmptySources(t *testing.T) {
	w := get(t, Sources{Started: time.Now()}, "/status")
	var got Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Registration != "UNREGISTERED" {
		t.Errorf("Registration = %q", got.Registration)
	}
}

func TestPending(t *testing.T) {
	pending := dispatch.NewPending(10, time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		pending.Put(dispatch.Entry{
			ID:       id,
			Report:   model.MovementReport{MobileTerminalID: model.MobileTerminalID{Value: "123456"}},
			CachedAt: time.Now(),
		})
	}
	src := Sources{Pending: pending}

	tests := []struct {
		path     string
		wantCode int
		wantIDs  []string
	}{
		{"/pending", http.StatusOK, []string{"a", "b", "c"}},
		{"/pending?limit=2", http.StatusOK, []string{"a", "b"}},
		{"/pending?limit=x", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, src, tt.path)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var got Pending
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if len(got.Entries) != len(tt.wantIDs) {
				t.Fatalf("entries = %d, want %d", len(got.Entries), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got.Entries[i].ID != id {
					t.Errorf("entries[%d].ID = %q, want %q", i, got.Entries[i].ID, id)
				}
			}
			if got.Stats.Len != 3 {
				t.Errorf("Stats.Len = %d", got.Stats.Len)
			}
		})
	}
}

func TestPending_NoCache(t *testing.T) {
	w := get(t, Sources{}, "/pending")
	var got Pending
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Entries == nil || len(got.Entries) != 0 {
		t.Errorf("Entries = %v, want empty list", got.Entries)
	}
}
