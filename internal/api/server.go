// Package api exposes the capture core over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"NetScope/internal/alerter"
	"NetScope/internal/capture"
	"NetScope/internal/metrics"
	"NetScope/internal/model"
	"NetScope/internal/notification"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
	defaultHours       = 24
)

// InterfaceReader reads interface identity and state.
type InterfaceReader interface {
	GetInterface(id string) (*model.Interface, error)
	ListInterfaces() ([]*model.Interface, error)
}

// Server holds the collaborators behind the HTTP handlers.
type Server struct {
	capture    *capture.Manager
	alerts     *alerter.Engine
	interfaces InterfaceReader
	hub        *notification.Hub
	logger     *logrus.Logger
	now        func() time.Time
}

// NewServer creates a Server.
func NewServer(mgr *capture.Manager, engine *alerter.Engine, interfaces InterfaceReader, hub *notification.Hub, logger *logrus.Logger) *Server {
	return &Server{
		capture:    mgr,
		alerts:     engine,
		interfaces: interfaces,
		hub:        hub,
		logger:     logger,
		now:        time.Now,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)

	v1.HandleFunc("/capture/sessions", s.startSession).Methods(http.MethodPost)
	v1.HandleFunc("/capture/sessions", s.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/capture/sessions/{id}", s.getSession).Methods(http.MethodGet)
	v1.HandleFunc("/capture/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	v1.HandleFunc("/capture/sessions/{id}/stop", s.sessionAction(s.capture.Stop, "Capture session stopped")).Methods(http.MethodPost)
	v1.HandleFunc("/capture/sessions/{id}/pause", s.sessionAction(s.capture.Pause, "Capture session paused")).Methods(http.MethodPost)
	v1.HandleFunc("/capture/sessions/{id}/resume", s.sessionAction(s.capture.Resume, "Capture session resumed")).Methods(http.MethodPost)
	v1.HandleFunc("/capture/sessions/{id}/records", s.sessionRecords).Methods(http.MethodGet)
	v1.HandleFunc("/capture/sessions/{id}/stats", s.sessionStats).Methods(http.MethodGet)

	v1.HandleFunc("/interfaces", s.listInterfaces).Methods(http.MethodGet)
	v1.HandleFunc("/interfaces/{id}", s.getInterface).Methods(http.MethodGet)
	v1.HandleFunc("/interfaces/{id}/stats", s.interfaceStats).Methods(http.MethodGet)

	v1.HandleFunc("/alerts/statistics", s.alertStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/rules", s.listRules).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/rules", s.createRule).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/rules/{id}", s.getRule).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/rules/{id}", s.updateRule).Methods(http.MethodPut)
	v1.HandleFunc("/alerts/rules/{id}", s.deleteRule).Methods(http.MethodDelete)
	v1.HandleFunc("/alerts/rules/{id}/toggle", s.toggleRule).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.getAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/acknowledge", s.acknowledgeAlert).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/resolve", s.resolveAlert).Methods(http.MethodPost)

	v1.HandleFunc("/retention/purge", s.purgeRecords).Methods(http.MethodPost)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"runningTasks": s.capture.RunningTasks(),
		"subscribers":  s.hub.SubscriberCount(),
	})
}

// ---- capture sessions ----

type sessionResponse struct {
	Success   bool                  `json:"success"`
	SessionID string                `json:"sessionId,omitempty"`
	Message   string                `json:"message,omitempty"`
	Session   *model.CaptureSession `json:"session,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req capture.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.capture.Start(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		Success:   true,
		SessionID: sess.ID,
		Message:   "Capture session started",
		Session:   sess,
	})
}

func (s *Server) sessionAction(action func(string) (*model.CaptureSession, error), message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := action(mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{Success: true, SessionID: sess.ID, Message: message, Session: sess})
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	var statuses []model.SessionStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, model.SessionStatus(st))
	}
	sessions, err := s.capture.Sessions(statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sessions": nonNil(sessions)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.capture.Session(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, SessionID: sess.ID, Session: sess})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.capture.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, SessionID: id, Message: "Capture session deleted"})
}

func (s *Server) sessionRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRecordLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if limit < 1 || limit > maxRecordLimit {
		limit = defaultRecordLimit
	}
	id := mux.Vars(r)["id"]
	if _, err := s.capture.Session(id); err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.capture.Records(id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "records": nonNil(records)})
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.capture.LiveStats(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ---- interfaces ----

func (s *Server) listInterfaces(w http.ResponseWriter, _ *http.Request) {
	ifaces, err := s.interfaces.ListInterfaces()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "interfaces": nonNil(ifaces)})
}

func (s *Server) getInterface(w http.ResponseWriter, r *http.Request) {
	iface, err := s.interfaces.GetInterface(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "interface": iface})
}

type interfaceStatsResponse struct {
	InterfaceID      string   `json:"interfaceId"`
	BandwidthPercent *float64 `json:"bandwidthPercent,omitempty"`
	*metrics.Snapshot
}

func (s *Server) interfaceStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	iface, err := s.interfaces.GetInterface(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.capture.InterfaceStats(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := interfaceStatsResponse{InterfaceID: id, Snapshot: snap}
	if limit := iface.BandwidthLimitMbps; limit != nil && *limit > 0 {
		pct := round2(snap.ThroughputMbps / float64(*limit) * 100)
		resp.BandwidthPercent = &pct
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- alerts ----

type alertResponse struct {
	Success bool         `json:"success"`
	Alert   *model.Alert `json:"alert,omitempty"`
}

type actionRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes"`
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	var statuses []model.AlertStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, model.AlertStatus(st))
	}
	alerts, err := s.alerts.ListAlerts(statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "alerts": nonNil(alerts)})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alerts.Alert(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alertResponse{Success: true, Alert: alert})
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	alert, err := s.alerts.Acknowledge(mux.Vars(r)["id"], req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alertResponse{Success: true, Alert: alert})
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	alert, err := s.alerts.Resolve(mux.Vars(r)["id"], req.UserID, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alertResponse{Success: true, Alert: alert})
}

type alertStatisticsResponse struct {
	*alerter.Statistics
	HourlyCounts []int `json:"hourlyCounts"`
}

func (s *Server) alertStatistics(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hours, err := intParam(r, "hours", defaultHours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hours = min(hours, alerter.MaxHourlyBuckets)
	stats, err := s.alerts.Statistics(days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts, err := s.alerts.HourlyCounts(hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alertStatisticsResponse{Statistics: stats, HourlyCounts: counts})
}

// ---- rules ----

func (s *Server) listRules(w http.ResponseWriter, _ *http.Request) {
	rules, err := s.alerts.Rules()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "rules": nonNil(rules)})
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.alerts.Rule(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "rule": rule})
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AlertRule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = ""
	created, err := s.alerts.CreateRule(&rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "rule": created})
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var upd alerter.RuleUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	rule, err := s.alerts.UpdateRule(mux.Vars(r)["id"], upd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "rule": rule})
}

func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.alerts.ToggleRule(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "rule": rule})
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.DeleteRule(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ---- retention ----

type purgeRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

func (s *Server) purgeRecords(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OlderThanDays < 1 {
		s.writeError(w, fmt.Errorf("%w: older_than_days must be positive", model.ErrInvalidInput))
		return
	}
	cutoff := s.now().AddDate(0, 0, -req.OlderThanDays)
	removed, err := s.capture.PurgeRecords(cutoff)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "removed": removed})
}

// ---- helpers ----

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCapacityExceeded), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, errorResponse{Success: false, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidInput, name)
	}
	return n, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
