package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/query"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

type discardTx struct{}

func (discardTx) Transmit(*netfilter.Packet) error { return nil }

type fakeQuerier struct{ last query.Filter }

func (q *fakeQuerier) RecentEvents(_ context.Context, f query.Filter) ([]model.Event, error) {
	q.last = f
	return []model.Event{{ID: "e1", Kind: model.EventHandshakeDone}}, nil
}

func (q *fakeQuerier) CountByKind(_ context.Context, f query.Filter) ([]query.KindCount, error) {
	q.last = f
	return []query.KindCount{{Kind: "syn_in", Count: 3}}, nil
}

func (q *fakeQuerier) Close() error { return nil }

var serverIP = netip.MustParseAddr("203.0.113.7")

func newTestHandler(q query.Querier) (*Handler, *peer.Engine) {
	eng := peer.New(peer.Options{Clock: clock.NewMock(), PortSalt: 1}, discardTx{})
	eng.AddServer(serverIP, 4)
	return NewHandler(eng, q), eng
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServers(t *testing.T) {
	h, _ := newTestHandler(nil)
	r := h.Router()

	rec := do(t, r, http.MethodGet, "/api/v1/servers")
	assert.Equal(t, rec.Code, http.StatusOK)
	var servers []registry.ServerInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &servers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, len(servers), 1)
	assert.Equal(t, servers[0].IP, serverIP)
	assert.Equal(t, servers[0].MaxProbeIndex, 3)

	rec = do(t, r, http.MethodGet, "/api/v1/servers/203.0.113.7")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, do(t, r, http.MethodGet, "/api/v1/servers/198.51.100.1").Code, http.StatusNotFound)
	assert.Equal(t, do(t, r, http.MethodGet, "/api/v1/servers/nope").Code, http.StatusBadRequest)
}

func TestStateAndReset(t *testing.T) {
	h, eng := newTestHandler(nil)
	r := h.Router()

	rec := do(t, r, http.MethodGet, "/api/v1/state")
	assert.Equal(t, rec.Code, http.StatusOK)
	var state map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, len(state["servers"].([]interface{})), 1)

	assert.Equal(t, do(t, r, http.MethodGet, "/api/v1/reset").Code, http.StatusMethodNotAllowed)
	assert.Equal(t, do(t, r, http.MethodPost, "/api/v1/reset").Code, http.StatusNoContent)
	assert.Equal(t, eng.Registry().Len(), 0)
}

func TestCountersAndMetrics(t *testing.T) {
	h, eng := newTestHandler(nil)
	eng.Counters().Add("syn_in", 5)
	r := h.Router()

	rec := do(t, r, http.MethodGet, "/api/v1/counters")
	var counters map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &counters); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, counters["syn_in"], uint64(5))

	rec = do(t, r, http.MethodGet, "/metrics")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, strings.Contains(rec.Body.String(), "natpeer_syn_in_total 5"), true)
}

func TestEvents(t *testing.T) {
	h, _ := newTestHandler(nil)
	assert.Equal(t, do(t, h.Router(), http.MethodGet, "/api/v1/events").Code, http.StatusNotFound)

	q := &fakeQuerier{}
	h, _ = newTestHandler(q)
	r := h.Router()
	rec := do(t, r, http.MethodGet, "/api/v1/events?kind=handshake_done&ip=203.0.113.7&limit=5")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, q.last.Kind, model.EventHandshakeDone)
	assert.Equal(t, q.last.IP, serverIP)
	assert.Equal(t, q.last.Limit, 5)

	rec = do(t, r, http.MethodGet, "/api/v1/events/counts")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, strings.Contains(rec.Body.String(), `"syn_in"`), true)

	assert.Equal(t, do(t, r, http.MethodGet, "/api/v1/events?limit=-1").Code, http.StatusBadRequest)
}

func TestParseFilter(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?since=1h", nil)
	f, err := ParseFilter(req, now)
	assert.Equal(t, err, nil)
	assert.Equal(t, f.Since, now.Add(-time.Hour))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/events?since=yesterday", nil)
	_, err = ParseFilter(req, now)
	assert.NotEqual(t, err, nil)
}
