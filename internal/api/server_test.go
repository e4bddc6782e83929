package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"NetScope/internal/alerter"
	"NetScope/internal/capture"
	"NetScope/internal/config"
	"NetScope/internal/metrics"
	"NetScope/internal/model"
	"NetScope/internal/notification"
	"NetScope/internal/source"
	"NetScope/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler http.Handler
	server  *Server
	store   *store.Store
	engine  *alerter.Engine
	hub     *notification.Hub
	mgr     *capture.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), time.Second)
	require.NoError(t, err)
	limit := 100
	require.NoError(t, st.PutInterface(&model.Interface{ID: "eth0", Name: "eth0", Active: true, BandwidthLimitMbps: &limit}))

	cfg := config.Default()
	cfg.Capture.MaxSessions = 1
	cfg.Capture.CycleInterval.Duration = 5 * time.Millisecond

	hub := notification.NewHub(16, logger)
	engine := alerter.NewEngine(cfg.Alerting, st, hub, nil, logger)
	mgr := capture.NewManager(cfg.Capture, capture.Deps{
		Store:   st,
		Metrics: metrics.NewAggregator(st, cfg.Metrics.PeerWindow.Duration, cfg.Metrics.ProtocolWindow.Duration),
		Alerts:  engine,
		Events:  hub,
		Sources: func(sess *model.CaptureSession) (model.TrafficSource, error) {
			return source.NewSynthetic(5, 5, 1), nil
		},
		Logger: logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, mgr.Shutdown(ctx))
		hub.Close()
		st.Close()
	})

	srv := NewServer(mgr, engine, st, hub, logger)
	return &fixture{handler: srv.Handler(), server: srv, store: st, engine: engine, hub: hub, mgr: mgr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCaptureLifecycle(t *testing.T) {
	f := newFixture(t)

	rec, out := f.do(t, http.MethodPost, "/api/v1/capture/sessions", map[string]interface{}{
		"interface_id": "eth0",
		"session_name": "api run",
		"filters":      map[string]interface{}{"protocol": "tcp"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, out["success"])
	id := out["sessionId"].(string)
	require.NotEmpty(t, id)

	rec, out = f.do(t, http.MethodPost, "/api/v1/capture/sessions", map[string]interface{}{"interface_id": "eth0"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["message"], "maximum capture sessions")

	rec, out = f.do(t, http.MethodPost, "/api/v1/capture/sessions/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", out["session"].(map[string]interface{})["status"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/capture/sessions/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		sess, err := f.store.GetSession(id)
		return err == nil && sess.RecordCount > 0
	}, 2*time.Second, 5*time.Millisecond)

	rec, out = f.do(t, http.MethodGet, "/api/v1/capture/sessions/"+id+"/records?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := out["records"].([]interface{})
	require.NotEmpty(t, records)
	assert.LessOrEqual(t, len(records), 3)

	rec, out = f.do(t, http.MethodGet, "/api/v1/capture/sessions/"+id+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out, "bandwidthMbps")
	assert.Contains(t, out, "packetsPerSec")
	assert.Contains(t, out, "connections")
	assert.Contains(t, out, "protocolDistribution")

	rec, out = f.do(t, http.MethodGet, "/api/v1/capture/sessions?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["sessions"], 1)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/capture/sessions/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/capture/sessions/"+id+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/capture/sessions/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/capture/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/capture/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptureErrors(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/capture/sessions", map[string]interface{}{"interface_id": "wlan9"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/capture/sessions", map[string]interface{}{
		"interface_id": "eth0",
		"filters":      map[string]interface{}{"address": "10.0.0.0/33"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/capture/sessions", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	f.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/capture/sessions/missing/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/capture/sessions/missing/records", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/capture/sessions/missing/records?limit=abc", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestInterfaces(t *testing.T) {
	f := newFixture(t)

	rec, out := f.do(t, http.MethodGet, "/api/v1/interfaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["interfaces"], 1)

	rec, out = f.do(t, http.MethodGet, "/api/v1/interfaces/eth0/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "eth0", out["interfaceId"])
	assert.Equal(t, 0.0, out["bandwidthPercent"])
	assert.Equal(t, 0.0, out["bandwidthMbps"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/interfaces/wlan9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/interfaces/wlan9/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRulesAndAlerts(t *testing.T) {
	f := newFixture(t)

	rec, out := f.do(t, http.MethodPost, "/api/v1/alerts/rules", map[string]interface{}{
		"name":               "High Bandwidth Usage",
		"metric":             "bandwidth",
		"condition":          "greater_than",
		"threshold_value":    800,
		"threshold_unit":     "Mbps",
		"severity":           "critical",
		"is_active":          true,
		"escalation_minutes": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ruleID := out["rule"].(map[string]interface{})["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/alerts/rules", map[string]interface{}{"name": "broken", "metric": "bandwidth", "condition": "between", "severity": "low"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, out = f.do(t, http.MethodPut, "/api/v1/alerts/rules/"+ruleID, map[string]interface{}{"threshold_value": 900})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 900.0, out["rule"].(map[string]interface{})["threshold_value"])

	rec, out = f.do(t, http.MethodPost, "/api/v1/alerts/rules/"+ruleID+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["rule"].(map[string]interface{})["is_active"])

	rec, out = f.do(t, http.MethodGet, "/api/v1/alerts/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["rules"], 1)

	rule, err := f.engine.Rule(ruleID)
	require.NoError(t, err)
	alert, err := f.engine.CreateAlert(rule, 950)
	require.NoError(t, err)

	rec, out = f.do(t, http.MethodGet, "/api/v1/alerts?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["alerts"], 1)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/acknowledge", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/acknowledge", map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", map[string]interface{}{"notes": "no user"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, out = f.do(t, http.MethodGet, "/api/v1/alerts/"+alert.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", out["alert"].(map[string]interface{})["status"])

	rec, out = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/acknowledge", map[string]interface{}{"user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acknowledged", out["alert"].(map[string]interface{})["status"])

	rec, out = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", map[string]interface{}{"user_id": "u1", "notes": "link upgraded"})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := out["alert"].(map[string]interface{})
	assert.Equal(t, "resolved", resolved["status"])
	assert.Equal(t, "u1", resolved["acknowledged_by"])
	assert.Contains(t, resolved["details"], "Resolution notes: link upgraded")

	rec, _ = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", map[string]interface{}{"user_id": "u2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/alerts/missing/acknowledge", map[string]interface{}{"user_id": "u1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = f.do(t, http.MethodGet, "/api/v1/alerts/statistics?hours=12", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, out["total"])
	counts := out["hourlyCounts"].([]interface{})
	require.Len(t, counts, 12)
	assert.Equal(t, 1.0, counts[11])

	rec, out = f.do(t, http.MethodGet, "/api/v1/alerts/statistics?hours=1125899906842624", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["hourlyCounts"], alerter.MaxHourlyBuckets)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/alerts/rules/"+ruleID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/alerts/rules/"+ruleID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurgeRecords(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/retention/purge", map[string]interface{}{"older_than_days": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, out := f.do(t, http.MethodPost, "/api/v1/retention/purge", map[string]interface{}{"older_than_days": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, out["removed"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec, out := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	raw := httptest.NewRecorder()
	f.handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusOK, raw.Code)
	assert.Contains(t, raw.Body.String(), "netscope_")
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return f.hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Publish(notification.EventAlertEscalated, notification.AlertEscalated{AlertID: "a1", RuleName: "Port Scan", Severity: "high"})

	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
	assert.Equal(t, "event: alert_escalated", lines[0])
	assert.JSONEq(t, `{"alertId":"a1","ruleName":"Port Scan","severity":"high"}`, strings.TrimPrefix(lines[1], "data: "))
}
