// Package store persists interfaces, capture sessions, traffic records, alert
// rules and alerts in a single bbolt database.
//
// Records live in one nested bucket per session, keyed by timestamp so that
// trailing-window scans are cursor seeks. Appending a record batch and bumping
// the session counters happen in the same write transaction.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"NetScope/internal/model"

	bolt "go.etcd.io/bbolt"
)

var (
	interfacesBucket = []byte("interfaces")
	sessionsBucket   = []byte("sessions")
	recordsBucket    = []byte("records")
	rulesBucket      = []byte("rules")
	alertsBucket     = []byte("alerts")
)

// Store is the bbolt-backed implementation of every table the capture core uses.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures the top-level buckets exist.
func Open(path string, timeout time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{interfacesBucket, sessionsBucket, recordsBucket, rulesBucket, alertsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Interfaces ---

// PutInterface inserts or updates an interface. The monitoring flag of an
// existing interface is owned by the capture core and is preserved.
func (s *Store) PutInterface(iface *model.Interface) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(interfacesBucket)
		var existing model.Interface
		if ok, err := getJSON(b, iface.ID, &existing); err != nil {
			return err
		} else if ok {
			iface.Monitoring = existing.Monitoring
		}
		return putJSON(b, iface.ID, iface)
	})
}

// GetInterface returns the interface with the given id or model.ErrNotFound.
func (s *Store) GetInterface(id string) (*model.Interface, error) {
	var iface model.Interface
	err := s.db.View(func(tx *bolt.Tx) error {
		return mustGetJSON(tx.Bucket(interfacesBucket), id, &iface, "interface")
	})
	if err != nil {
		return nil, err
	}
	return &iface, nil
}

// ListInterfaces returns all interfaces ordered by id.
func (s *Store) ListInterfaces() ([]*model.Interface, error) {
	var out []*model.Interface
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(interfacesBucket).ForEach(func(_, v []byte) error {
			var iface model.Interface
			if err := json.Unmarshal(v, &iface); err != nil {
				return err
			}
			out = append(out, &iface)
			return nil
		})
	})
	return out, err
}

// --- Sessions ---

// StartSession creates a running session in one transaction: the interface must
// exist, fewer than maxRunning sessions may be running, and the interface is
// marked as monitoring.
func (s *Store) StartSession(sess *model.CaptureSession, maxRunning int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket(interfacesBucket)
		var iface model.Interface
		if err := mustGetJSON(ib, sess.InterfaceID, &iface, "interface"); err != nil {
			return err
		}

		sb := tx.Bucket(sessionsBucket)
		if err := checkCapacity(sb, maxRunning); err != nil {
			return err
		}

		if err := putJSON(sb, sess.ID, sess); err != nil {
			return err
		}
		iface.Monitoring = true
		return putJSON(ib, iface.ID, &iface)
	})
}

// ResumeSession moves a paused session back to running when fewer than
// maxRunning sessions are running. Resuming a running session is a no-op and
// terminal sessions yield model.ErrInvalidTransition.
func (s *Store) ResumeSession(id string, maxRunning int) (*model.CaptureSession, error) {
	var sess model.CaptureSession
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if err := mustGetJSON(b, id, &sess, "session"); err != nil {
			return err
		}
		switch {
		case !sess.Status.Live():
			return fmt.Errorf("%w: session %s is %s", model.ErrInvalidTransition, id, sess.Status)
		case sess.Status == model.SessionRunning:
			return nil
		}
		if err := checkCapacity(b, maxRunning); err != nil {
			return err
		}
		sess.Status = model.SessionRunning
		return putJSON(b, id, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func checkCapacity(sb *bolt.Bucket, maxRunning int) error {
	running := 0
	err := sb.ForEach(func(_, v []byte) error {
		var other model.CaptureSession
		if err := json.Unmarshal(v, &other); err != nil {
			return err
		}
		if other.Status == model.SessionRunning {
			running++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if running >= maxRunning {
		return fmt.Errorf("%w (%d running)", model.ErrCapacityExceeded, running)
	}
	return nil
}

// CreateSession stores a session as-is. It is used for imports and tests; live
// sessions go through StartSession.
func (s *Store) CreateSession(sess *model.CaptureSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(sessionsBucket), sess.ID, sess)
	})
}

// GetSession returns the session with the given id or model.ErrNotFound.
func (s *Store) GetSession(id string) (*model.CaptureSession, error) {
	var sess model.CaptureSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return mustGetJSON(tx.Bucket(sessionsBucket), id, &sess, "session")
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions accepted by keep (all when keep is nil),
// newest start time first.
func (s *Store) ListSessions(keep func(*model.CaptureSession) bool) ([]*model.CaptureSession, error) {
	var out []*model.CaptureSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var sess model.CaptureSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if keep == nil || keep(&sess) {
				out = append(out, &sess)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, err
}

// SetSessionStatus moves a live session between running and paused.
// Terminal sessions yield model.ErrInvalidTransition.
func (s *Store) SetSessionStatus(id string, status model.SessionStatus) (*model.CaptureSession, error) {
	var sess model.CaptureSession
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if err := mustGetJSON(b, id, &sess, "session"); err != nil {
			return err
		}
		if !sess.Status.Live() {
			return fmt.Errorf("%w: session %s is %s", model.ErrInvalidTransition, id, sess.Status)
		}
		sess.Status = status
		return putJSON(b, id, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// FinishSession moves a session to a terminal status, sets its end time and
// clears the interface monitoring flag unless another live session still uses
// the interface. Finishing an already-ended session is a no-op and reports
// changed=false.
func (s *Store) FinishSession(id string, status model.SessionStatus, at time.Time) (sess *model.CaptureSession, changed bool, err error) {
	sess = &model.CaptureSession{}
	err = s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if err := mustGetJSON(sb, id, sess, "session"); err != nil {
			return err
		}
		if !sess.Status.Live() && sess.Status != model.SessionPending {
			return nil
		}
		sess.Status = status
		end := at
		sess.EndTime = &end
		if err := putJSON(sb, id, sess); err != nil {
			return err
		}
		changed = true

		stillUsed := false
		err := sb.ForEach(func(k, v []byte) error {
			if string(k) == id {
				return nil
			}
			var other model.CaptureSession
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.InterfaceID == sess.InterfaceID && other.Status.Live() {
				stillUsed = true
			}
			return nil
		})
		if err != nil || stillUsed {
			return err
		}
		ib := tx.Bucket(interfacesBucket)
		var iface model.Interface
		ok, err := getJSON(ib, sess.InterfaceID, &iface)
		if err != nil || !ok {
			return err
		}
		iface.Monitoring = false
		return putJSON(ib, iface.ID, &iface)
	})
	if err != nil {
		return nil, false, err
	}
	return sess, changed, nil
}

// DeleteSession removes a session together with all of its records.
func (s *Store) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb.Get([]byte(id)) == nil {
			return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
		}
		if err := sb.Delete([]byte(id)); err != nil {
			return err
		}
		rb := tx.Bucket(recordsBucket)
		if rb.Bucket([]byte(id)) != nil {
			return rb.DeleteBucket([]byte(id))
		}
		return nil
	})
}

// --- Records ---

// AppendRecords writes a batch of records for a running session and adds the
// batch to the session counters in the same transaction. A session that is no
// longer running rejects the batch with model.ErrInvalidTransition.
func (s *Store) AppendRecords(sessionID string, records []model.TrafficRecord) (*model.CaptureSession, error) {
	var sess model.CaptureSession
	err := s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if err := mustGetJSON(sb, sessionID, &sess, "session"); err != nil {
			return err
		}
		if sess.Status != model.SessionRunning {
			return fmt.Errorf("%w: session %s is %s", model.ErrInvalidTransition, sessionID, sess.Status)
		}
		rb, err := tx.Bucket(recordsBucket).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		for i := range records {
			rec := &records[i]
			rec.SessionID = sessionID
			seq, err := rb.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := rb.Put(recordKey(rec.Timestamp, seq), data); err != nil {
				return err
			}
			sess.RecordCount++
			sess.BytesTotal += uint64(rec.Length)
		}
		return putJSON(sb, sessionID, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ScanRecords calls fn for every record of the given sessions whose timestamp
// is at or after since, in timestamp order per session. Sessions without
// records (or deleted underneath the caller) are skipped. Returning false from
// fn stops the scan.
func (s *Store) ScanRecords(sessionIDs []string, since time.Time, fn func(*model.TrafficRecord) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(recordsBucket)
		start := recordKey(since, 0)
		for _, id := range sessionIDs {
			rb := root.Bucket([]byte(id))
			if rb == nil {
				continue
			}
			c := rb.Cursor()
			for k, v := c.Seek(start); k != nil; k, v = c.Next() {
				var rec model.TrafficRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if !fn(&rec) {
					return nil
				}
			}
		}
		return nil
	})
}

// RecentRecords returns up to limit records of a session, newest first.
func (s *Store) RecentRecords(sessionID string, limit int) ([]model.TrafficRecord, error) {
	var out []model.TrafficRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(sessionsBucket).Get([]byte(sessionID)) == nil {
			return fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
		}
		rb := tx.Bucket(recordsBucket).Bucket([]byte(sessionID))
		if rb == nil {
			return nil
		}
		c := rb.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec model.TrafficRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// DeleteRecordsBefore removes every record older than cutoff across all
// sessions and returns how many were removed. Session counters keep their
// lifetime totals.
func (s *Store) DeleteRecordsBefore(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(recordsBucket)
		end := recordKey(cutoff, 0)
		return root.ForEach(func(name, _ []byte) error {
			rb := root.Bucket(name)
			if rb == nil {
				return nil
			}
			var stale [][]byte
			c := rb.Cursor()
			for k, _ := c.First(); k != nil && string(k) < string(end); k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := rb.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
			return nil
		})
	})
	return removed, err
}

// recordKey orders records by timestamp, with a per-session sequence as tie breaker.
func recordKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// --- helpers ---

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v interface{}) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func mustGetJSON(b *bolt.Bucket, key string, v interface{}, kind string) error {
	ok, err := getJSON(b, key, v)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, key, model.ErrNotFound)
	}
	return nil
}
