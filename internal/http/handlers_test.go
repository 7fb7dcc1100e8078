package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/driver-presence/internal/geo"
	"github.com/example/driver-presence/internal/liveness"
	"github.com/example/driver-presence/internal/models"
	"github.com/example/driver-presence/internal/presence"
	"github.com/example/driver-presence/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := presence.NewCoordinator(
		storage.NewMemoryRecords(time.UTC),
		liveness.NewMemoryLeases(),
		geo.NewMemoryPools(),
		logger,
		presence.Options{},
	)
	return NewServer(coord, nil, nil, logger, Config{StoreTimeout: time.Second})
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

const onlineBody = `{
	"profile": {"name": "Asha", "vehicle_model": "Swift", "vehicle_number": "KA01AB1234", "rating": 4.8},
	"location": {"latitude": 12.90, "longitude": 77.60}
}`

func TestGoOnlineThenNearbyOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/online", onlineBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("online: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, "GET", "/api/v1/drivers/nearby?latitude=12.90&longitude=77.60&radius_km=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Drivers []models.DriverPreview `json:"drivers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Drivers) != 1 || resp.Drivers[0].DriverID != "d1" {
		t.Fatalf("expected d1 nearby, got %+v", resp.Drivers)
	}
}

func TestGoOnlineInvalidCoordinates(t *testing.T) {
	srv := newTestServer(t)

	body := `{"profile": {"name": "Asha"}, "location": {"latitude": 123.0, "longitude": 77.60}}`
	rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/online", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHeartbeatUnknownDriverOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/drivers/nobody/heartbeat", `{"context": "idle"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHeartbeatEmptyBodyDefaultsToIdle(t *testing.T) {
	srv := newTestServer(t)

	if rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/online", onlineBody); rec.Code != http.StatusOK {
		t.Fatalf("online: status %d", rec.Code)
	}
	rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/heartbeat", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	if rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/online", onlineBody); rec.Code != http.StatusOK {
		t.Fatalf("online: status %d", rec.Code)
	}

	rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/ride/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ride start: status %d body %s", rec.Code, rec.Body.String())
	}
	var started map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started["status"] != "ok" {
		t.Fatalf("first ride start should transition, got %v", started)
	}

	// Repeat is benign, reported as already in state.
	rec = doJSON(t, srv, "POST", "/api/v1/drivers/d1/ride/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat ride start: status %d body %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started["status"] != "already_in_state" {
		t.Fatalf("repeat ride start should no-op, got %v", started)
	}

	// Mid-ride driver is off the dispatch radar.
	rec = doJSON(t, srv, "GET", "/api/v1/drivers/nearby?latitude=12.90&longitude=77.60&radius_km=2", "")
	var resp struct {
		Drivers []models.DriverPreview `json:"drivers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Drivers) != 0 {
		t.Fatalf("mid-ride driver must not appear in nearby, got %+v", resp.Drivers)
	}

	rec = doJSON(t, srv, "POST", "/api/v1/drivers/d1/ride/end", `{"latitude": 12.95, "longitude": 77.65}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ride end: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, "GET", "/api/v1/drivers/nearby?latitude=12.95&longitude=77.65&radius_km=1", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Drivers) != 1 {
		t.Fatalf("driver should be dispatchable at drop-off, got %+v", resp.Drivers)
	}
}

func TestGoOfflineIdempotentOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	if rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/online", onlineBody); rec.Code != http.StatusOK {
		t.Fatalf("online: status %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv, "POST", "/api/v1/drivers/d1/offline", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("offline call %d: status %d body %s", i+1, rec.Code, rec.Body.String())
		}
	}
}

func TestNearbyRejectsMissingParams(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/drivers/nearby?latitude=12.90", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, srv, "GET", "/api/v1/drivers/nearby?latitude=12.90&longitude=77.60&radius_km=2&limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: expected 400, got %d", rec.Code)
	}
}

func TestNearbyEmptyResultIsJSONArray(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/drivers/nearby?latitude=0&longitude=0&radius_km=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"drivers":[]`) {
		t.Fatalf("empty result must marshal as an array, got %s", rec.Body.String())
	}
}

func TestWSRejectsPlainHTTPRequest(t *testing.T) {
	srv := newTestServer(t)

	// No upgrade headers: the websocket handshake itself must answer,
	// exactly once.
	rec := doJSON(t, srv, "GET", "/ws/d1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 from the failed handshake, got %d", rec.Code)
	}
}

func TestProfileEndpointsUnconfigured(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/drivers/d1/profile", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a profile store, got %d", rec.Code)
	}
	rec = doJSON(t, srv, "POST", "/api/v1/drivers/d1/payout-link", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without payouts, got %d", rec.Code)
	}
}
