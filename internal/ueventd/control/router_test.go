package control

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/supervisor"
)

type fakeSupervisor struct {
	snap        supervisor.Snapshot
	reloadErr   error
	reloadCalls int
}

func (f *fakeSupervisor) Snapshot() supervisor.Snapshot { return f.snap }

func (f *fakeSupervisor) ReloadRules() error {
	f.reloadCalls++
	return f.reloadErr
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	sup := &fakeSupervisor{}
	router := NewRouter(sup, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestQueuesEndpointReturnsSnapshot(t *testing.T) {
	sup := &fakeSupervisor{
		snap: supervisor.Snapshot{
			Queues: []supervisor.QueueStatus{{Name: "alpha", Dirty: true, WorkerPID: 42}},
		},
	}
	router := NewRouter(sup, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !contains(body, "alpha") || !contains(body, "42") {
		t.Fatalf("response missing expected fields: %s", body)
	}
}

func TestReloadRulesEndpointInvokesSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	router := NewRouter(sup, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules/reload", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if sup.reloadCalls != 1 {
		t.Fatalf("got %d ReloadRules calls, want 1", sup.reloadCalls)
	}
}

func TestQueuesEndpointRequiresAuthWhenKeyConfigured(t *testing.T) {
	sup := &fakeSupervisor{}
	_, pub := mustTestRSAKey(t)
	router := NewRouter(sup, pub)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401 without a bearer token", rec.Code)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
