package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"NetScope/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedInterface(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.PutInterface(&model.Interface{ID: id, Name: id, Active: true}))
}

func runningSession(id, ifaceID string) *model.CaptureSession {
	return &model.CaptureSession{
		ID:          id,
		Name:        "session " + id,
		InterfaceID: ifaceID,
		Status:      model.SessionRunning,
		StartTime:   time.Now(),
	}
}

func TestStartSession_MarksInterfaceMonitoring(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")

	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))

	iface, err := s.GetInterface("eth0")
	require.NoError(t, err)
	assert.True(t, iface.Monitoring)

	sess, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, sess.Status)
}

func TestStartSession_UnknownInterface(t *testing.T) {
	s := openTestStore(t)
	err := s.StartSession(runningSession("s1", "missing"), 10)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStartSession_Capacity(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.StartSession(runningSession(fmt.Sprintf("s%d", i), "eth0"), 3))
	}
	err := s.StartSession(runningSession("s3", "eth0"), 3)
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)

	_, _, err = s.FinishSession("s0", model.SessionCompleted, time.Now())
	require.NoError(t, err)
	assert.NoError(t, s.StartSession(runningSession("s3", "eth0"), 3))
}

func TestPutInterface_PreservesMonitoring(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))

	require.NoError(t, s.PutInterface(&model.Interface{ID: "eth0", Name: "eth0", DisplayName: "Ethernet 0"}))

	iface, err := s.GetInterface("eth0")
	require.NoError(t, err)
	assert.True(t, iface.Monitoring)
	assert.Equal(t, "Ethernet 0", iface.DisplayName)
}

func TestFinishSession(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))
	require.NoError(t, s.StartSession(runningSession("s2", "eth0"), 10))

	end := time.Now()
	sess, changed, err := s.FinishSession("s1", model.SessionCompleted, end)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, sess.EndTime)
	assert.True(t, sess.EndTime.Equal(end))

	// s2 still runs on eth0, so the flag stays set.
	iface, _ := s.GetInterface("eth0")
	assert.True(t, iface.Monitoring)

	_, changed, err = s.FinishSession("s1", model.SessionCompleted, time.Now())
	require.NoError(t, err)
	assert.False(t, changed, "finishing twice must be a no-op")

	_, _, err = s.FinishSession("s2", model.SessionCompleted, time.Now())
	require.NoError(t, err)
	iface, _ = s.GetInterface("eth0")
	assert.False(t, iface.Monitoring)

	_, _, err = s.FinishSession("nope", model.SessionCompleted, time.Now())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetSessionStatus(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))

	sess, err := s.SetSessionStatus("s1", model.SessionPaused)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, sess.Status)

	_, _, err = s.FinishSession("s1", model.SessionCompleted, time.Now())
	require.NoError(t, err)

	_, err = s.SetSessionStatus("s1", model.SessionRunning)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestResumeSession_Capacity(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 1))
	_, err := s.SetSessionStatus("s1", model.SessionPaused)
	require.NoError(t, err)
	require.NoError(t, s.StartSession(runningSession("s2", "eth0"), 1))

	_, err = s.ResumeSession("s1", 1)
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
	sess, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, sess.Status)

	running, err := s.ResumeSession("s2", 1)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, running.Status)

	_, _, err = s.FinishSession("s2", model.SessionCompleted, time.Now())
	require.NoError(t, err)
	sess, err = s.ResumeSession("s1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, sess.Status)

	_, err = s.ResumeSession("s2", 1)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = s.ResumeSession("missing", 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func makeRecords(ts time.Time, srcs ...string) []model.TrafficRecord {
	out := make([]model.TrafficRecord, len(srcs))
	for i, src := range srcs {
		out[i] = model.TrafficRecord{
			Timestamp: ts.Add(time.Duration(i) * time.Millisecond),
			SrcAddr:   src,
			DstAddr:   "8.8.8.8",
			Protocol:  "TCP",
			Length:    100,
		}
	}
	return out
}

func TestAppendRecords_UpdatesCountersAtomically(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))

	sess, err := s.AppendRecords("s1", makeRecords(time.Now(), "10.0.0.1", "10.0.0.2", "10.0.0.1"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, sess.RecordCount)
	assert.EqualValues(t, 300, sess.BytesTotal)

	stored, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, stored.RecordCount)
}

func TestAppendRecords_RejectsWhenNotRunning(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))
	_, err := s.SetSessionStatus("s1", model.SessionPaused)
	require.NoError(t, err)

	_, err = s.AppendRecords("s1", makeRecords(time.Now(), "10.0.0.1"))
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = s.AppendRecords("gone", makeRecords(time.Now(), "10.0.0.1"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	sess, _ := s.GetSession("s1")
	assert.EqualValues(t, 0, sess.RecordCount)
}

func TestScanRecords_TrailingWindow(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))
	require.NoError(t, s.StartSession(runningSession("s2", "eth0"), 10))

	now := time.Now()
	_, err := s.AppendRecords("s1", makeRecords(now.Add(-10*time.Minute), "10.0.0.9"))
	require.NoError(t, err)
	_, err = s.AppendRecords("s1", makeRecords(now, "10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	_, err = s.AppendRecords("s2", makeRecords(now, "10.0.0.2", "10.0.0.3"))
	require.NoError(t, err)

	seen := map[string]int{}
	err = s.ScanRecords([]string{"s1", "s2", "unknown"}, now.Add(-5*time.Minute), func(r *model.TrafficRecord) bool {
		seen[r.SrcAddr]++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"10.0.0.1": 1, "10.0.0.2": 2, "10.0.0.3": 1}, seen)
}

func TestRecentRecordsAndDelete(t *testing.T) {
	s := openTestStore(t)
	seedInterface(t, s, "eth0")
	require.NoError(t, s.StartSession(runningSession("s1", "eth0"), 10))

	now := time.Now()
	_, err := s.AppendRecords("s1", makeRecords(now.Add(-2*time.Hour), "10.0.0.1"))
	require.NoError(t, err)
	_, err = s.AppendRecords("s1", makeRecords(now, "10.0.0.2", "10.0.0.3"))
	require.NoError(t, err)

	recent, err := s.RecentRecords("s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "10.0.0.3", recent[0].SrcAddr)
	assert.Equal(t, "s1", recent[0].SessionID)

	removed, err := s.DeleteRecordsBefore(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	recent, err = s.RecentRecords("s1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	require.NoError(t, s.DeleteSession("s1"))
	_, err = s.GetSession("s1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.RecentRecords("s1", 10)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateAlertUnlessRecent(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	first := &model.Alert{ID: "a1", RuleID: "r1", Status: model.AlertActive, TriggeredAt: now.Add(-time.Minute)}
	got, created, err := s.CreateAlertUnlessRecent(first, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a1", got.ID)

	second := &model.Alert{ID: "a2", RuleID: "r1", Status: model.AlertActive, TriggeredAt: now}
	got, created, err = s.CreateAlertUnlessRecent(second, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", got.ID)

	// Outside the window a new alert is stored.
	got, created, err = s.CreateAlertUnlessRecent(second, now.Add(-10*time.Second))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a2", got.ID)

	all, err := s.ListAlerts(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID)
}

func TestRulesCRUD(t *testing.T) {
	s := openTestStore(t)
	rule := &model.AlertRule{ID: "r1", Name: "High Bandwidth", Metric: model.MetricBandwidth,
		Operator: model.OpGreaterThan, Threshold: 800, Severity: model.SeverityCritical, Active: true}
	require.NoError(t, s.PutRule(rule))

	updated, err := s.UpdateRule("r1", func(r *model.AlertRule) error {
		r.Active = false
		return nil
	})
	require.NoError(t, err)
	assert.False(t, updated.Active)

	rules, err := s.ListRules()
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, s.DeleteRule("r1"))
	_, err = s.GetRule("r1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRule("r1"), model.ErrNotFound)
}
