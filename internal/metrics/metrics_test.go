package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncDeviceRx()
	IncEcho(EchoMismatch)
	IncEcho(EchoReleased)
	AddExpired(2)
	SetSlotsInUse(3)
	IncError(ErrDeviceRead)
	after := Snap()
	if after.DeviceRx != before.DeviceRx+1 {
		t.Fatalf("device rx %d -> %d", before.DeviceRx, after.DeviceRx)
	}
	if after.Mismatch != before.Mismatch+1 || after.Released != before.Released+1 {
		t.Fatalf("echo outcomes not mirrored: %+v", after)
	}
	if after.Expired != before.Expired+2 || after.SlotsInUse != 3 {
		t.Fatalf("expired %d in use %d", after.Expired, after.SlotsInUse)
	}
	if after.Errors != before.Errors+1 {
		t.Fatalf("errors %d -> %d", before.Errors, after.Errors)
	}
}

func TestReadiness(t *testing.T) {
	defer SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("unset readiness should report ready")
	}
	ready := false
	SetReadinessFunc(func() bool { return ready })
	if IsReady() {
		t.Fatalf("expected not ready")
	}
	ready = true
	if !IsReady() {
		t.Fatalf("expected ready")
	}
}

func TestReadyHandler(t *testing.T) {
	defer SetReadinessFunc(nil)
	SetReadinessFunc(func() bool { return false })
	mux := http.NewServeMux()
	mux.HandleFunc("/ready", readyHandler)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d want 503", rec.Code)
	}
}
