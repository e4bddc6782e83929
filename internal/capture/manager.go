// Package capture owns the lifecycle of capture sessions and supervises the
// background task that feeds each live session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"NetScope/internal/config"
	"NetScope/internal/metrics"
	"NetScope/internal/model"
	"NetScope/internal/telemetry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionStore is the persistence the manager and its tasks need.
type SessionStore interface {
	GetInterface(id string) (*model.Interface, error)
	StartSession(sess *model.CaptureSession, maxRunning int) error
	GetSession(id string) (*model.CaptureSession, error)
	ListSessions(keep func(*model.CaptureSession) bool) ([]*model.CaptureSession, error)
	SetSessionStatus(id string, status model.SessionStatus) (*model.CaptureSession, error)
	ResumeSession(id string, maxRunning int) (*model.CaptureSession, error)
	FinishSession(id string, status model.SessionStatus, at time.Time) (*model.CaptureSession, bool, error)
	DeleteSession(id string) error
	AppendRecords(sessionID string, records []model.TrafficRecord) (*model.CaptureSession, error)
	RecentRecords(sessionID string, limit int) ([]model.TrafficRecord, error)
	DeleteRecordsBefore(cutoff time.Time) (int, error)
}

// SnapshotProvider computes live metrics.
type SnapshotProvider interface {
	SessionSnapshot(sessionID string) (*metrics.Snapshot, error)
	InterfaceSnapshot(interfaceID string) (*metrics.Snapshot, error)
}

// Evaluator receives periodic metric snapshots.
type Evaluator interface {
	Evaluate(metrics map[string]float64) ([]*model.Alert, error)
}

// SourceFactory creates the traffic source of a session.
type SourceFactory func(sess *model.CaptureSession) (model.TrafficSource, error)

// Deps are the collaborators handed to every session task.
type Deps struct {
	Store   SessionStore
	Metrics SnapshotProvider
	Alerts  Evaluator
	Events  model.EventPublisher
	Sources SourceFactory
	Writers []model.RecordWriter
	Logger  *logrus.Logger
}

// StartRequest describes a new capture session.
type StartRequest struct {
	InterfaceID string               `json:"interface_id"`
	Name        string               `json:"session_name"`
	OwnerID     string               `json:"owner_id"`
	Filter      *model.CaptureFilter `json:"filters,omitempty"`
}

// Manager starts, stops, pauses and resumes capture sessions. It owns the
// registry of running tasks; at most one task exists per session.
type Manager struct {
	cfg  config.CaptureConfig
	deps Deps
	log  *logrus.Logger

	now   func() time.Time
	newID func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// NewManager creates a Manager. Tasks are bound to the manager's lifetime and
// end on Shutdown.
func NewManager(cfg config.CaptureConfig, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Start creates a running session on an interface and spawns its task. It
// returns as soon as the session is stored.
func (m *Manager) Start(req StartRequest) (*model.CaptureSession, error) {
	if req.InterfaceID == "" {
		return nil, fmt.Errorf("%w: interface id is required", model.ErrInvalidInput)
	}
	if err := validateFilter(req.Filter); err != nil {
		return nil, err
	}

	now := m.now()
	sess := &model.CaptureSession{
		ID:          m.newID(),
		Name:        req.Name,
		InterfaceID: req.InterfaceID,
		OwnerID:     req.OwnerID,
		Status:      model.SessionRunning,
		StartTime:   now,
	}
	if sess.Name == "" {
		sess.Name = fmt.Sprintf("Capture %s %s", req.InterfaceID, now.UTC().Format("2006-01-02 15:04:05"))
	}
	if !req.Filter.IsZero() {
		sess.Filter = req.Filter
	}

	src, err := m.deps.Sources(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to create traffic source: %w", err)
	}
	if err := m.deps.Store.StartSession(sess, m.cfg.MaxSessions); err != nil {
		src.Close()
		return nil, err
	}

	m.spawn(sess, src)
	m.log.WithFields(logrus.Fields{
		"session_id":   sess.ID,
		"interface_id": sess.InterfaceID,
		"owner":        sess.OwnerID,
	}).Info("Capture session started")
	return sess, nil
}

// Stop completes a session and signals its task. Stopping an ended session
// is a no-op.
func (m *Manager) Stop(sessionID string) (*model.CaptureSession, error) {
	sess, changed, err := m.deps.Store.FinishSession(sessionID, model.SessionCompleted, m.now())
	if err != nil {
		return nil, err
	}
	m.signal(sessionID)
	if changed {
		m.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"records":    sess.RecordCount,
			"bytes":      sess.BytesTotal,
		}).Info("Capture session stopped")
	}
	return sess, nil
}

// Pause suspends record generation and evaluation. The task stays alive.
func (m *Manager) Pause(sessionID string) (*model.CaptureSession, error) {
	sess, err := m.deps.Store.SetSessionStatus(sessionID, model.SessionPaused)
	if err != nil {
		return nil, err
	}
	m.log.WithField("session_id", sessionID).Info("Capture session paused")
	return sess, nil
}

// Resume restarts record generation of a paused session. It counts against
// the running-session limit like Start.
func (m *Manager) Resume(sessionID string) (*model.CaptureSession, error) {
	sess, err := m.deps.Store.ResumeSession(sessionID, m.cfg.MaxSessions)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTask(sess); err != nil {
		return nil, err
	}
	m.log.WithField("session_id", sessionID).Info("Capture session resumed")
	return sess, nil
}

// Delete stops a session if needed and removes it with all of its records.
func (m *Manager) Delete(sessionID string) error {
	if _, err := m.Stop(sessionID); err != nil {
		return err
	}
	if err := m.deps.Store.DeleteSession(sessionID); err != nil {
		return err
	}
	m.log.WithField("session_id", sessionID).Info("Capture session deleted")
	return nil
}

// Session returns a single session.
func (m *Manager) Session(sessionID string) (*model.CaptureSession, error) {
	return m.deps.Store.GetSession(sessionID)
}

// Sessions lists sessions, optionally restricted to the given statuses.
func (m *Manager) Sessions(statuses ...model.SessionStatus) ([]*model.CaptureSession, error) {
	if len(statuses) == 0 {
		return m.deps.Store.ListSessions(nil)
	}
	return m.deps.Store.ListSessions(func(s *model.CaptureSession) bool {
		for _, st := range statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	})
}

// Records returns the latest records of a session, newest first.
func (m *Manager) Records(sessionID string, limit int) ([]model.TrafficRecord, error) {
	return m.deps.Store.RecentRecords(sessionID, limit)
}

// LiveStats returns the metrics snapshot of a session.
func (m *Manager) LiveStats(sessionID string) (*metrics.Snapshot, error) {
	return m.deps.Metrics.SessionSnapshot(sessionID)
}

// InterfaceStats returns the metrics snapshot of an interface.
func (m *Manager) InterfaceStats(interfaceID string) (*metrics.Snapshot, error) {
	return m.deps.Metrics.InterfaceSnapshot(interfaceID)
}

// PurgeRecords deletes records older than cutoff. Sessions and their
// counters are kept.
func (m *Manager) PurgeRecords(cutoff time.Time) (int, error) {
	n, err := m.deps.Store.DeleteRecordsBefore(cutoff)
	if err != nil {
		return 0, err
	}
	m.log.WithFields(logrus.Fields{"removed": n, "cutoff": cutoff}).Info("Old traffic records purged")
	return n, nil
}

// RecoverOrphans fails live sessions left by a previous process that never
// stored a record and started before the grace window. One failure does not
// stop the sweep; the number of recovered sessions is returned.
func (m *Manager) RecoverOrphans() (int, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.OrphanGrace.Duration)
	orphans, err := m.deps.Store.ListSessions(func(s *model.CaptureSession) bool {
		return s.Status.Live() && s.RecordCount == 0 && s.StartTime.Before(cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned sessions: %w", err)
	}

	recovered := 0
	var errs []error
	for _, sess := range orphans {
		if _, _, err := m.deps.Store.FinishSession(sess.ID, model.SessionFailed, now); err != nil {
			m.log.WithError(err).WithField("session_id", sess.ID).Error("Failed to recover orphaned session")
			errs = append(errs, err)
			continue
		}
		recovered++
		m.log.WithField("session_id", sess.ID).Warn("Orphaned capture session marked failed")
	}
	return recovered, errors.Join(errs...)
}

// Restore spawns tasks for live sessions that have none, typically the
// sessions that survived the orphan sweep after a restart.
func (m *Manager) Restore() (int, error) {
	live, err := m.deps.Store.ListSessions(func(s *model.CaptureSession) bool {
		return s.Status.Live()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list live sessions: %w", err)
	}
	restored := 0
	var errs []error
	for _, sess := range live {
		if m.hasTask(sess.ID) {
			continue
		}
		if err := m.ensureTask(sess); err != nil {
			m.log.WithError(err).WithField("session_id", sess.ID).Error("Failed to restore capture session")
			errs = append(errs, err)
			continue
		}
		restored++
		m.log.WithFields(logrus.Fields{"session_id": sess.ID, "status": sess.Status}).Info("Capture session restored")
	}
	return restored, errors.Join(errs...)
}

// RunningTasks returns the number of live tasks.
func (m *Manager) RunningTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown ends every task without changing session status, so the
// sessions are restored on the next start. It waits until the tasks exit
// or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("Capture manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for capture tasks: %w", ctx.Err())
	}
}

func (m *Manager) hasTask(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[sessionID]
	return ok
}

func (m *Manager) ensureTask(sess *model.CaptureSession) error {
	if m.hasTask(sess.ID) {
		return nil
	}
	src, err := m.deps.Sources(sess)
	if err != nil {
		return fmt.Errorf("failed to create traffic source: %w", err)
	}
	m.spawn(sess, src)
	return nil
}

// spawn registers and starts the task of a session. A second spawn for the
// same session is discarded so one session never has two producers.
func (m *Manager) spawn(sess *model.CaptureSession, src model.TrafficSource) {
	m.mu.Lock()
	if _, exists := m.tasks[sess.ID]; exists || m.ctx.Err() != nil {
		m.mu.Unlock()
		src.Close()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{
		sessionID:   sess.ID,
		interfaceID: sess.InterfaceID,
		filter:      sess.Filter,
		source:      src,
		cancel:      cancel,
	}
	m.tasks[sess.ID] = t
	m.wg.Add(1)
	m.mu.Unlock()

	telemetry.SessionsRunning.Inc()
	go m.run(ctx, t)
}

// signal wakes the task of a session so it observes a status change early.
func (m *Manager) signal(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[sessionID]; ok {
		t.cancel()
	}
}

func (m *Manager) unregister(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[t.sessionID] == t {
		delete(m.tasks, t.sessionID)
	}
}

func validateFilter(f *model.CaptureFilter) error {
	if f.IsZero() {
		return nil
	}
	if f.Address != "" {
		if _, err := netip.ParseAddr(f.Address); err != nil {
			if _, err := netip.ParsePrefix(f.Address); err != nil {
				return fmt.Errorf("%w: filter address %q is neither an IP nor a CIDR prefix", model.ErrInvalidInput, f.Address)
			}
		}
	}
	if f.Port != nil && (*f.Port < 0 || *f.Port > 65535) {
		return fmt.Errorf("%w: filter port %d out of range", model.ErrInvalidInput, *f.Port)
	}
	f.Protocol = strings.ToUpper(strings.TrimSpace(f.Protocol))
	return nil
}
