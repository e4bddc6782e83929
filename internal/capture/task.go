package capture

import (
	"context"
	"errors"
	"time"

	"NetScope/internal/model"
	"NetScope/internal/notification"
	"NetScope/internal/telemetry"

	"github.com/sirupsen/logrus"
)

// Outcome classifies one task cycle.
type Outcome string

const (
	// OutcomeCaptured means a batch was stored and counters updated.
	OutcomeCaptured Outcome = "captured"
	// OutcomePaused means the session was paused and nothing was produced.
	OutcomePaused Outcome = "paused"
	// OutcomeFailed means the cycle failed with a transient error.
	OutcomeFailed Outcome = "failed"
	// OutcomeStopped means the session ended or disappeared; the task exits.
	OutcomeStopped Outcome = "stopped"
)

// CycleResult is the result of one task cycle.
type CycleResult struct {
	Outcome Outcome
	Records int
	Session *model.CaptureSession
	Err     error
}

// task is the single producer of one session.
type task struct {
	sessionID   string
	interfaceID string
	filter      *model.CaptureFilter
	source      model.TrafficSource
	cancel      context.CancelFunc
}

func (m *Manager) run(ctx context.Context, t *task) {
	entry := m.log.WithFields(logrus.Fields{"session_id": t.sessionID, "interface_id": t.interfaceID})
	defer func() {
		if err := t.source.Close(); err != nil {
			entry.WithError(err).Warn("Failed to close traffic source")
		}
		t.cancel()
		m.unregister(t)
		telemetry.SessionsRunning.Dec()
		m.wg.Done()
	}()
	entry.Debug("Capture task started")

	timer := time.NewTimer(m.cfg.CycleInterval.Duration)
	defer timer.Stop()

	active := 0
	for {
		res := m.cycle(ctx, t)
		telemetry.CyclesTotal.WithLabelValues(string(res.Outcome)).Inc()

		switch res.Outcome {
		case OutcomeStopped:
			entry.Debug("Capture task finished")
			return
		case OutcomeFailed:
			entry.WithError(res.Err).Warn("Capture cycle failed")
		case OutcomeCaptured:
			active++
			m.deps.Events.Publish(notification.EventSessionProgress, notification.SessionProgress{
				SessionID:   t.sessionID,
				RecordCount: res.Session.RecordCount,
				BytesTotal:  res.Session.BytesTotal,
			})
			if active%m.cfg.EvaluateEvery == 0 {
				m.evaluate(entry, t.sessionID)
			}
		}

		timer.Reset(m.cfg.CycleInterval.Duration)
		select {
		case <-ctx.Done():
			entry.Debug("Capture task signalled")
			return
		case <-timer.C:
		}
	}
}

// cycle runs one produce-and-store step.
func (m *Manager) cycle(ctx context.Context, t *task) CycleResult {
	sess, err := m.deps.Store.GetSession(t.sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return CycleResult{Outcome: OutcomeStopped}
	}
	if err != nil {
		return CycleResult{Outcome: OutcomeFailed, Err: &model.TransientStoreError{SessionID: t.sessionID, Err: err}}
	}
	switch {
	case !sess.Status.Live():
		return CycleResult{Outcome: OutcomeStopped, Session: sess}
	case sess.Status == model.SessionPaused:
		return CycleResult{Outcome: OutcomePaused, Session: sess}
	}

	batch, err := t.source.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return CycleResult{Outcome: OutcomeStopped, Session: sess}
		}
		return CycleResult{Outcome: OutcomeFailed, Err: &model.TransientStoreError{SessionID: t.sessionID, Err: err}}
	}
	batch = t.filter.Apply(batch)

	updated, err := m.deps.Store.AppendRecords(t.sessionID, batch)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return CycleResult{Outcome: OutcomeStopped}
	case errors.Is(err, model.ErrInvalidTransition):
		// Paused or stopped between the status read and the write; the
		// batch is dropped and the next cycle sees the new status.
		return CycleResult{Outcome: OutcomePaused, Session: sess}
	case err != nil:
		return CycleResult{Outcome: OutcomeFailed, Err: &model.TransientStoreError{SessionID: t.sessionID, Err: err}}
	}

	telemetry.RecordsTotal.WithLabelValues(t.interfaceID).Add(float64(len(batch)))
	m.mirror(ctx, t.sessionID, batch)
	return CycleResult{Outcome: OutcomeCaptured, Records: len(batch), Session: updated}
}

// mirror copies a stored batch to the archive writers. Mirror failures are
// logged and never fail the cycle.
func (m *Manager) mirror(ctx context.Context, sessionID string, batch []model.TrafficRecord) {
	if len(batch) == 0 {
		return
	}
	for _, w := range m.deps.Writers {
		if err := w.WriteRecords(ctx, sessionID, batch); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"session_id": sessionID, "writer": w.Name()}).Warn("Failed to mirror records")
		}
	}
}

func (m *Manager) evaluate(entry *logrus.Entry, sessionID string) {
	snap, err := m.deps.Metrics.SessionSnapshot(sessionID)
	if err != nil {
		entry.WithError(err).Warn("Failed to compute metrics snapshot")
		return
	}
	entry.WithFields(logrus.Fields{
		"bandwidth_mbps": snap.ThroughputMbps,
		"packet_rate":    snap.RecordRate,
		"connections":    snap.DistinctPeers,
	}).Debug("Evaluating alert rules")

	alerts, err := m.deps.Alerts.Evaluate(snap.Metrics())
	if err != nil {
		entry.WithError(err).Error("Alert evaluation failed")
	}
	if len(alerts) > 0 {
		entry.WithField("count", len(alerts)).Info("Alert rules fired")
	}
}
