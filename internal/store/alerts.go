package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"NetScope/internal/model"

	bolt "go.etcd.io/bbolt"
)

// --- Rules ---

// PutRule inserts or replaces an alert rule.
func (s *Store) PutRule(rule *model.AlertRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(rulesBucket), rule.ID, rule)
	})
}

// GetRule returns the rule with the given id or model.ErrNotFound.
func (s *Store) GetRule(id string) (*model.AlertRule, error) {
	var rule model.AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return mustGetJSON(tx.Bucket(rulesBucket), id, &rule, "rule")
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// UpdateRule applies fn to a stored rule and saves the result.
func (s *Store) UpdateRule(id string, fn func(*model.AlertRule) error) (*model.AlertRule, error) {
	var rule model.AlertRule
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rulesBucket)
		if err := mustGetJSON(b, id, &rule, "rule"); err != nil {
			return err
		}
		if err := fn(&rule); err != nil {
			return err
		}
		return putJSON(b, id, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteRule removes a rule. Alerts it produced are kept.
func (s *Store) DeleteRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rulesBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// ListRules returns all rules ordered by name.
func (s *Store) ListRules() ([]*model.AlertRule, error) {
	var out []*model.AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(rulesBucket).ForEach(func(_, v []byte) error {
			var rule model.AlertRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			out = append(out, &rule)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// --- Alerts ---

// PutAlert inserts or replaces an alert.
func (s *Store) PutAlert(alert *model.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(alertsBucket), alert.ID, alert)
	})
}

// GetAlert returns the alert with the given id or model.ErrNotFound.
func (s *Store) GetAlert(id string) (*model.Alert, error) {
	var alert model.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return mustGetJSON(tx.Bucket(alertsBucket), id, &alert, "alert")
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// UpdateAlert applies fn to a stored alert and saves the result. An error from
// fn aborts the transaction.
func (s *Store) UpdateAlert(id string, fn func(*model.Alert) error) (*model.Alert, error) {
	var alert model.Alert
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alertsBucket)
		if err := mustGetJSON(b, id, &alert, "alert"); err != nil {
			return err
		}
		if err := fn(&alert); err != nil {
			return err
		}
		return putJSON(b, id, &alert)
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListAlerts returns alerts accepted by keep (all when keep is nil), most
// recently triggered first.
func (s *Store) ListAlerts(keep func(*model.Alert) bool) ([]*model.Alert, error) {
	var out []*model.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(alertsBucket).ForEach(func(_, v []byte) error {
			var alert model.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			if keep == nil || keep(&alert) {
				out = append(out, &alert)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out, err
}

// CreateAlertUnlessRecent stores candidate unless an active alert of the same
// rule was triggered at or after since; in that case the existing alert is
// returned and created is false. The check and the insert share one
// transaction, so concurrent evaluations of one rule cannot both create.
func (s *Store) CreateAlertUnlessRecent(candidate *model.Alert, since time.Time) (alert *model.Alert, created bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alertsBucket)
		var found *model.Alert
		err := b.ForEach(func(_, v []byte) error {
			var a model.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.RuleID == candidate.RuleID && a.Status == model.AlertActive && !a.TriggeredAt.Before(since) {
				if found == nil || a.TriggeredAt.After(found.TriggeredAt) {
					found = &a
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if found != nil {
			alert = found
			return nil
		}
		alert, created = candidate, true
		return putJSON(b, candidate.ID, candidate)
	})
	if err != nil {
		return nil, false, err
	}
	return alert, created, nil
}
