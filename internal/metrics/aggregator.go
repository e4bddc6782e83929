// Package metrics derives throughput, record rate, distinct peers and protocol
// distribution from the traffic record store, per session or per interface.
package metrics

import (
	"time"

	"NetScope/internal/model"
)

// RecordReader is the read side of the store the aggregator needs.
type RecordReader interface {
	GetSession(id string) (*model.CaptureSession, error)
	GetInterface(id string) (*model.Interface, error)
	ListSessions(keep func(*model.CaptureSession) bool) ([]*model.CaptureSession, error)
	ScanRecords(sessionIDs []string, since time.Time, fn func(*model.TrafficRecord) bool) error
}

// Snapshot is a point-in-time view of the traffic of a session or interface.
type Snapshot struct {
	ThroughputMbps       float64        `json:"bandwidthMbps"`
	RecordRate           float64        `json:"packetsPerSec"`
	DistinctPeers        int            `json:"connections"`
	ProtocolDistribution map[string]int `json:"protocolDistribution"`
	Timestamp            time.Time      `json:"timestamp"`
}

// Metrics returns the snapshot keyed by the metric names alert rules refer to.
func (s *Snapshot) Metrics() map[string]float64 {
	return map[string]float64{
		model.MetricBandwidth:  s.ThroughputMbps,
		model.MetricPacketRate: s.RecordRate,
		model.MetricConnection: float64(s.DistinctPeers),
	}
}

// Throughput converts a byte total over an elapsed duration to megabits per second.
func Throughput(bytes uint64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / secs / 1e6
}

// Rate converts a count over an elapsed duration to a per-second rate.
func Rate(count uint64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(count) / secs
}

// Aggregator computes snapshots. It reads without locking and tolerates
// records being appended or removed while it scans.
type Aggregator struct {
	reader         RecordReader
	peerWindow     time.Duration
	protocolWindow time.Duration
	now            func() time.Time
}

// NewAggregator creates an Aggregator. peerWindow bounds the distinct-peer
// count and protocolWindow the protocol distribution.
func NewAggregator(reader RecordReader, peerWindow, protocolWindow time.Duration) *Aggregator {
	return &Aggregator{
		reader:         reader,
		peerWindow:     peerWindow,
		protocolWindow: protocolWindow,
		now:            time.Now,
	}
}

// SessionSnapshot returns the snapshot of one session. A missing session is
// model.ErrNotFound; a session without records yields a zero snapshot.
func (a *Aggregator) SessionSnapshot(sessionID string) (*Snapshot, error) {
	sess, err := a.reader.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	snap := zeroSnapshot(now)
	if sess.RecordCount == 0 {
		return snap, nil
	}

	elapsed := elapsedFor(sess, now)
	snap.ThroughputMbps = Throughput(sess.BytesTotal, elapsed)
	snap.RecordRate = Rate(sess.RecordCount, elapsed)
	if err := a.scanWindows([]string{sess.ID}, now, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// InterfaceSnapshot sums throughput and record rate over the running sessions
// bound to the interface. Distinct peers are counted once across all of them.
func (a *Aggregator) InterfaceSnapshot(interfaceID string) (*Snapshot, error) {
	if _, err := a.reader.GetInterface(interfaceID); err != nil {
		return nil, err
	}
	sessions, err := a.reader.ListSessions(func(s *model.CaptureSession) bool {
		return s.InterfaceID == interfaceID && s.Status == model.SessionRunning
	})
	if err != nil {
		return nil, err
	}

	now := a.now()
	snap := zeroSnapshot(now)
	if len(sessions) == 0 {
		return snap, nil
	}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		elapsed := elapsedFor(sess, now)
		snap.ThroughputMbps += Throughput(sess.BytesTotal, elapsed)
		snap.RecordRate += Rate(sess.RecordCount, elapsed)
		ids = append(ids, sess.ID)
	}
	if err := a.scanWindows(ids, now, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// scanWindows fills distinct peers and protocol distribution with a single
// scan starting at the wider of the two windows.
func (a *Aggregator) scanWindows(sessionIDs []string, now time.Time, snap *Snapshot) error {
	peerSince := now.Add(-a.peerWindow)
	protoSince := now.Add(-a.protocolWindow)
	since := peerSince
	if protoSince.Before(since) {
		since = protoSince
	}

	peers := make(map[string]struct{})
	err := a.reader.ScanRecords(sessionIDs, since, func(r *model.TrafficRecord) bool {
		if !r.Timestamp.Before(peerSince) {
			peers[r.SrcAddr] = struct{}{}
		}
		if !r.Timestamp.Before(protoSince) {
			snap.ProtocolDistribution[r.Protocol]++
		}
		return true
	})
	if err != nil {
		return err
	}
	snap.DistinctPeers = len(peers)
	return nil
}

func zeroSnapshot(now time.Time) *Snapshot {
	return &Snapshot{ProtocolDistribution: map[string]int{}, Timestamp: now}
}

// elapsedFor measures a session from its start to its end, or to now while it is live.
func elapsedFor(sess *model.CaptureSession, now time.Time) time.Duration {
	end := now
	if sess.EndTime != nil {
		end = *sess.EndTime
	}
	return end.Sub(sess.StartTime)
}
