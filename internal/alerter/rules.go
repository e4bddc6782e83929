package alerter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"NetScope/internal/model"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RuleUpdate carries the mutable fields of a rule; nil fields are left unchanged.
type RuleUpdate struct {
	Name              *string  `json:"name"`
	Description       *string  `json:"description"`
	Threshold         *float64 `json:"threshold_value"`
	Severity          *string  `json:"severity"`
	Active            *bool    `json:"is_active"`
	EscalationMinutes *int     `json:"escalation_minutes"`
	Notify            *bool    `json:"notify_email"`
}

// Rules returns every rule ordered by name.
func (e *Engine) Rules() ([]*model.AlertRule, error) {
	return e.store.ListRules()
}

// Rule returns a single rule.
func (e *Engine) Rule(id string) (*model.AlertRule, error) {
	return e.store.GetRule(id)
}

// CreateRule validates and stores a new rule, assigning its id and creation time.
func (e *Engine) CreateRule(rule *model.AlertRule) (*model.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if rule.ID == "" {
		rule.ID = e.newID()
	}
	rule.CreatedAt = e.now()
	if err := e.store.PutRule(rule); err != nil {
		return nil, fmt.Errorf("failed to store rule: %w", err)
	}
	e.logger.WithFields(logrus.Fields{"rule": rule.Name, "rule_id": rule.ID}).Info("Alert rule created")
	return rule, nil
}

// UpdateRule applies the non-nil fields of upd to a rule.
func (e *Engine) UpdateRule(id string, upd RuleUpdate) (*model.AlertRule, error) {
	rule, err := e.store.UpdateRule(id, func(r *model.AlertRule) error {
		if upd.Name != nil {
			r.Name = *upd.Name
		}
		if upd.Description != nil {
			r.Description = *upd.Description
		}
		if upd.Threshold != nil {
			r.Threshold = *upd.Threshold
		}
		if upd.Severity != nil {
			r.Severity = model.Severity(*upd.Severity)
		}
		if upd.Active != nil {
			r.Active = *upd.Active
		}
		if upd.EscalationMinutes != nil {
			r.EscalationMinutes = *upd.EscalationMinutes
		}
		if upd.Notify != nil {
			r.Notify = *upd.Notify
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithField("rule_id", id).Info("Alert rule updated")
	return rule, nil
}

// ToggleRule flips the active flag of a rule.
func (e *Engine) ToggleRule(id string) (*model.AlertRule, error) {
	return e.store.UpdateRule(id, func(r *model.AlertRule) error {
		r.Active = !r.Active
		return nil
	})
}

// DeleteRule removes a rule. Alerts it raised are kept.
func (e *Engine) DeleteRule(id string) error {
	if err := e.store.DeleteRule(id); err != nil {
		return err
	}
	e.logger.WithField("rule_id", id).Info("Alert rule deleted")
	return nil
}

// RulesFile is the on-disk layout of a rules file.
type RulesFile struct {
	Rules []model.AlertRule `yaml:"rules"`
}

// LoadRules reads and validates a YAML rules file. Every rule needs an id so
// reloads update rules in place.
func LoadRules(path string) ([]model.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules YAML: %w", err)
	}
	seen := make(map[string]bool, len(file.Rules))
	for i := range file.Rules {
		r := &file.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %q has no id", r.Name)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Rules, nil
}

// SyncRules upserts rules by id. Existing rules keep their creation time;
// rules absent from the list are left alone.
func (e *Engine) SyncRules(rules []model.AlertRule) error {
	for i := range rules {
		rule := rules[i]
		existing, err := e.store.GetRule(rule.ID)
		switch {
		case err == nil:
			rule.CreatedAt = existing.CreatedAt
		case errors.Is(err, model.ErrNotFound):
			rule.CreatedAt = e.now()
		default:
			return err
		}
		if err := e.store.PutRule(&rule); err != nil {
			return fmt.Errorf("failed to store rule %s: %w", rule.ID, err)
		}
	}
	e.logger.WithField("count", len(rules)).Info("Alert rules synchronized")
	return nil
}

// LoadRulesFile reads path and synchronizes its rules into the store.
func (e *Engine) LoadRulesFile(path string) error {
	rules, err := LoadRules(path)
	if err != nil {
		return err
	}
	return e.SyncRules(rules)
}

// RulesWatcher reloads a rules file whenever it changes on disk.
type RulesWatcher struct {
	path    string
	engine  *Engine
	watcher *fsnotify.Watcher
	logger  *logrus.Logger
}

// NewRulesWatcher watches the directory of path so editors that replace the
// file by rename are still observed.
func NewRulesWatcher(path string, engine *Engine, logger *logrus.Logger) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rules watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &RulesWatcher{path: abs, engine: engine, watcher: watcher, logger: logger}, nil
}

// Run reloads on every write or create of the rules file until ctx is cancelled.
func (w *RulesWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	w.logger.WithField("path", w.path).Info("Watching rules file")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.engine.LoadRulesFile(w.path); err != nil {
				w.logger.WithError(err).WithField("path", w.path).Error("Failed to reload rules file")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Rules watcher error")
		}
	}
}
