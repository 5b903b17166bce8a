package httpapi

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCallRegistryCountsSessions(t *testing.T) {
	cr := NewCallRegistry()

	if cr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", cr.ActiveCount())
	}

	if !cr.Add() {
		t.Error("Add() should accept a session before draining")
	}
	if !cr.Add() {
		t.Error("Add() should accept a session before draining")
	}
	if cr.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", cr.ActiveCount())
	}

	cr.Done()
	cr.Done()
	if cr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after both sessions ended", cr.ActiveCount())
	}
}

func TestCallRegistryDraining(t *testing.T) {
	cr := NewCallRegistry()

	if cr.IsDraining() {
		t.Error("IsDraining() should be false initially")
	}

	// One session bridged before the drain starts.
	if !cr.Add() {
		t.Error("Add() should accept a session before draining")
	}

	cr.StartDraining()

	if !cr.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}
	if cr.Add() {
		t.Error("Add() should refuse sessions while draining")
	}

	// The pre-drain session still counts until it ends.
	if cr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", cr.ActiveCount())
	}
	cr.Done()
	if cr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", cr.ActiveCount())
	}
}

func TestCallRegistryWaitBlocksUntilSessionsEnd(t *testing.T) {
	cr := NewCallRegistry()

	cr.Add()
	cr.Add()

	done := make(chan struct{})
	go func() {
		cr.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Error("Wait() should block while sessions are active")
	default:
	}

	cr.Done()

	select {
	case <-done:
		t.Error("Wait() should block while a session is active")
	default:
	}

	cr.Done()

	<-done
}

func TestCallRegistryConcurrentAddAndDone(t *testing.T) {
	cr := NewCallRegistry()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if cr.Add() {
				defer cr.Done()
			}
		}()
	}

	wg.Wait()

	if cr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after all goroutines done", cr.ActiveCount())
	}
}

func TestCallRegistryDrainDuringConcurrentAdds(t *testing.T) {
	cr := NewCallRegistry()
	const n = 100

	var wg sync.WaitGroup
	var accepted, rejected int64
	var mu sync.Mutex

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if cr.Add() {
				mu.Lock()
				accepted++
				mu.Unlock()
				defer cr.Done()
			} else {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()

		if i == n/2 {
			cr.StartDraining()
		}
	}

	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if rejected == 0 {
		t.Error("expected some sessions to be refused after draining started")
	}
	if cr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", cr.ActiveCount())
	}
}

func TestHealthzReportsDraining(t *testing.T) {
	cr := NewCallRegistry()
	r := &Router{
		logger:   log.New(io.Discard, "", 0),
		registry: cr,
	}

	t.Run("returns 200 when not draining", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		r.handleHealthz(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if body := rec.Body.String(); body != "ok" {
			t.Errorf("body = %q, want %q", body, "ok")
		}
	})

	t.Run("returns 503 when draining", func(t *testing.T) {
		cr.Add()
		defer cr.Done()
		cr.StartDraining()

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		r.handleHealthz(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
		body := rec.Body.String()
		if !strings.Contains(body, `"status":"draining"`) {
			t.Errorf("body = %q, want draining status", body)
		}
		if !strings.Contains(body, `"active_calls":1`) {
			t.Errorf("body = %q, want active session count", body)
		}
	})
}

func TestInboundRejectsDuringDrain(t *testing.T) {
	cr := NewCallRegistry()
	cr.StartDraining()

	r := &Router{
		logger:   log.New(io.Discard, "", 0),
		registry: cr,
	}

	req := httptest.NewRequest(http.MethodPost, "/telephony/inbound", nil)
	rec := httptest.NewRecorder()
	r.handleTwilioInbound(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "<Reject") {
		t.Errorf("body = %q, want <Reject> TwiML", body)
	}
	if !strings.Contains(body, `reason="busy"`) {
		t.Errorf("body = %q, want reason busy", body)
	}
}
