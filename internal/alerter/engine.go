// Package alerter evaluates alert rules against metric snapshots and manages
// the lifecycle of the alerts they raise.
package alerter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"NetScope/internal/config"
	"NetScope/internal/model"
	"NetScope/internal/notification"
	"NetScope/internal/telemetry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AlertStore is the persistence the engine needs.
type AlertStore interface {
	PutRule(rule *model.AlertRule) error
	GetRule(id string) (*model.AlertRule, error)
	UpdateRule(id string, fn func(*model.AlertRule) error) (*model.AlertRule, error)
	DeleteRule(id string) error
	ListRules() ([]*model.AlertRule, error)

	GetAlert(id string) (*model.Alert, error)
	UpdateAlert(id string, fn func(*model.Alert) error) (*model.Alert, error)
	ListAlerts(keep func(*model.Alert) bool) ([]*model.Alert, error)
	CreateAlertUnlessRecent(candidate *model.Alert, since time.Time) (*model.Alert, bool, error)
}

// Statistics summarizes active alerts and response times.
type Statistics struct {
	Critical    int     `json:"critical"`
	High        int     `json:"high"`
	Medium      int     `json:"medium"`
	Low         int     `json:"low"`
	Total       int     `json:"total"`
	MTTAMinutes float64 `json:"mttaMinutes"`
	MTTRMinutes float64 `json:"mttrMinutes"`
}

// Engine is the alert engine. All methods are safe for concurrent use; the
// store serializes writes.
type Engine struct {
	store             AlertStore
	events            model.EventPublisher
	notifier          model.Notifier
	dedupWindow       time.Duration
	checkInterval     time.Duration
	repeatEscalations bool
	lookbackDays      int
	logger            *logrus.Logger

	now   func() time.Time
	newID func() string

	mailWG sync.WaitGroup
}

// NewEngine creates an Engine. notifier may be nil, in which case rules with
// notify set only produce realtime events.
func NewEngine(cfg config.AlertingConfig, st AlertStore, events model.EventPublisher, notifier model.Notifier, logger *logrus.Logger) *Engine {
	interval := cfg.EscalationCheckInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{
		store:             st,
		events:            events,
		notifier:          notifier,
		dedupWindow:       cfg.DedupWindow.Duration,
		checkInterval:     interval,
		repeatEscalations: cfg.RepeatEscalations(),
		lookbackDays:      cfg.LookbackDays,
		logger:            logger,
		now:               time.Now,
		newID:             uuid.NewString,
	}
}

// Evaluate checks every active rule against metrics; a metric missing from
// the map counts as 0. It returns the alerts created or reused by the rules
// that fired. A failure on one rule does not stop the others.
func (e *Engine) Evaluate(metrics map[string]float64) ([]*model.Alert, error) {
	rules, err := e.store.ListRules()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	var fired []*model.Alert
	var errs []error
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		value := metrics[rule.Metric]
		if !rule.Holds(value) {
			continue
		}
		alert, err := e.CreateAlert(rule, value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fired = append(fired, alert)
	}
	return fired, errors.Join(errs...)
}

// CreateAlert raises an alert for rule. If the rule already has an active
// alert triggered within the dedup window, that alert is returned unchanged.
func (e *Engine) CreateAlert(rule *model.AlertRule, value float64) (*model.Alert, error) {
	now := e.now()
	candidate := &model.Alert{
		ID:             e.newID(),
		RuleID:         rule.ID,
		TriggeredAt:    now,
		Status:         model.AlertActive,
		TriggeredValue: value,
		Details:        fmt.Sprintf("%s threshold exceeded", rule.Metric),
	}

	alert, created, err := e.store.CreateAlertUnlessRecent(candidate, now.Add(-e.dedupWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to create alert for rule %s: %w", rule.ID, err)
	}
	if !created {
		e.logger.WithFields(logrus.Fields{"rule": rule.Name, "alert_id": alert.ID}).Debug("Alert deduplicated")
		return alert, nil
	}

	telemetry.AlertsCreated.WithLabelValues(string(rule.Severity)).Inc()
	e.logger.WithFields(logrus.Fields{
		"rule":     rule.Name,
		"alert_id": alert.ID,
		"severity": rule.Severity,
		"value":    value,
	}).Info("Alert triggered")

	e.events.Publish(notification.EventNewAlert, notification.NewAlert{
		AlertID:   alert.ID,
		RuleName:  rule.Name,
		Severity:  string(rule.Severity),
		Value:     value,
		Timestamp: alert.TriggeredAt,
	})
	if rule.Notify {
		e.mail(fmt.Sprintf("[NetScope] %s alert: %s", strings.ToUpper(string(rule.Severity)), rule.Name),
			newAlertBody(rule, alert))
	}
	return alert, nil
}

// Acknowledge records userID as the acknowledger of an active alert.
// Acknowledging an already acknowledged alert is a no-op.
func (e *Engine) Acknowledge(alertID, userID string) (*model.Alert, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}
	alert, err := e.store.UpdateAlert(alertID, func(a *model.Alert) error {
		switch a.Status {
		case model.AlertActive:
			a.Status = model.AlertAcknowledged
			a.AcknowledgedBy = userID
			return nil
		case model.AlertAcknowledged:
			return errNoChange
		default:
			return fmt.Errorf("%w: alert %s is %s", model.ErrInvalidTransition, alertID, a.Status)
		}
	})
	if errors.Is(err, errNoChange) {
		return e.store.GetAlert(alertID)
	}
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"alert_id": alertID, "user": userID}).Info("Alert acknowledged")
	return alert, nil
}

// Resolve closes an active or acknowledged alert and appends notes to its details.
func (e *Engine) Resolve(alertID, userID, notes string) (*model.Alert, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}
	now := e.now()
	alert, err := e.store.UpdateAlert(alertID, func(a *model.Alert) error {
		if a.Status == model.AlertResolved {
			return fmt.Errorf("%w: alert %s is already resolved", model.ErrInvalidTransition, alertID)
		}
		a.Status = model.AlertResolved
		resolved := now
		a.ResolvedAt = &resolved
		if a.AcknowledgedBy == "" {
			a.AcknowledgedBy = userID
		}
		if notes != "" {
			a.Details = fmt.Sprintf("%s\n\nResolution notes: %s", a.Details, notes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"alert_id": alertID, "user": userID}).Info("Alert resolved")
	return alert, nil
}

// CheckEscalations emits an escalation event for every active, unacknowledged
// alert older than its rule's escalation delay and returns how many were
// emitted. The alert status is never changed. Unless repeat escalation is
// enabled, an alert escalates once and is marked so.
func (e *Engine) CheckEscalations() (int, error) {
	now := e.now()
	candidates, err := e.store.ListAlerts(func(a *model.Alert) bool {
		return a.Status == model.AlertActive && a.AcknowledgedBy == "" &&
			(e.repeatEscalations || a.EscalatedAt == nil)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list escalation candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	rules, err := e.ruleIndex()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, alert := range candidates {
		rule, ok := rules[alert.RuleID]
		if !ok {
			continue
		}
		deadline := now.Add(-time.Duration(rule.EscalationMinutes) * time.Minute)
		if !alert.TriggeredAt.Before(deadline) {
			continue
		}
		if !e.repeatEscalations {
			_, err := e.store.UpdateAlert(alert.ID, func(a *model.Alert) error {
				if a.Status != model.AlertActive || a.AcknowledgedBy != "" || a.EscalatedAt != nil {
					return errNoChange
				}
				at := now
				a.EscalatedAt = &at
				return nil
			})
			if errors.Is(err, errNoChange) {
				continue
			}
			if err != nil {
				e.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to mark alert escalated")
				continue
			}
		}

		count++
		telemetry.AlertEscalations.WithLabelValues(string(rule.Severity)).Inc()
		e.logger.WithFields(logrus.Fields{"alert_id": alert.ID, "rule": rule.Name}).Warn("Alert escalated")
		e.events.Publish(notification.EventAlertEscalated, notification.AlertEscalated{
			AlertID:  alert.ID,
			RuleName: rule.Name,
			Severity: string(rule.Severity),
		})
		if rule.Notify {
			e.mail(fmt.Sprintf("[NetScope] ESCALATED: %s", rule.Name), escalationBody(rule, alert, now))
		}
	}
	return count, nil
}

// Statistics counts active alerts by severity and computes MTTA and MTTR in
// minutes over the last lookbackDays days. A non-positive lookback uses the
// configured default.
func (e *Engine) Statistics(lookbackDays int) (*Statistics, error) {
	if lookbackDays <= 0 {
		lookbackDays = e.lookbackDays
	}
	now := e.now()
	since := now.AddDate(0, 0, -lookbackDays)

	alerts, err := e.store.ListAlerts(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	rules, err := e.ruleIndex()
	if err != nil {
		return nil, err
	}

	stats := &Statistics{}
	var ackSum, resolveSum time.Duration
	var ackN, resolveN int
	for _, a := range alerts {
		if a.Status == model.AlertActive {
			stats.Total++
			if rule, ok := rules[a.RuleID]; ok {
				switch rule.Severity {
				case model.SeverityCritical:
					stats.Critical++
				case model.SeverityHigh:
					stats.High++
				case model.SeverityMedium:
					stats.Medium++
				case model.SeverityLow:
					stats.Low++
				}
			}
		}
		if a.AcknowledgedBy != "" && !a.TriggeredAt.Before(since) {
			end := now
			if a.ResolvedAt != nil {
				end = *a.ResolvedAt
			}
			ackSum += end.Sub(a.TriggeredAt)
			ackN++
		}
		if a.Status == model.AlertResolved && a.ResolvedAt != nil && !a.ResolvedAt.Before(since) {
			resolveSum += a.ResolvedAt.Sub(a.TriggeredAt)
			resolveN++
		}
	}
	stats.MTTAMinutes = meanMinutes(ackSum, ackN)
	stats.MTTRMinutes = meanMinutes(resolveSum, resolveN)
	return stats, nil
}

// MaxHourlyBuckets bounds the window of HourlyCounts.
const MaxHourlyBuckets = 24 * 31

// HourlyCounts returns the number of alerts triggered in each of the last
// hours wall-clock hours, oldest first. The last bucket is the current hour.
// hours is capped at MaxHourlyBuckets.
func (e *Engine) HourlyCounts(hours int) ([]int, error) {
	hours = min(hours, MaxHourlyBuckets)
	counts := make([]int, max(hours, 0))
	if hours <= 0 {
		return counts, nil
	}
	end := e.now().UTC().Truncate(time.Hour).Add(time.Hour)
	start := end.Add(-time.Duration(hours) * time.Hour)

	alerts, err := e.store.ListAlerts(func(a *model.Alert) bool {
		return !a.TriggeredAt.Before(start) && a.TriggeredAt.Before(end)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	for _, a := range alerts {
		counts[int(a.TriggeredAt.Sub(start)/time.Hour)]++
	}
	return counts, nil
}

// Alert returns a single alert.
func (e *Engine) Alert(id string) (*model.Alert, error) {
	return e.store.GetAlert(id)
}

// ListAlerts returns alerts with one of the given statuses (all when none
// are given), most recent first.
func (e *Engine) ListAlerts(statuses ...model.AlertStatus) ([]*model.Alert, error) {
	if len(statuses) == 0 {
		return e.store.ListAlerts(nil)
	}
	return e.store.ListAlerts(func(a *model.Alert) bool {
		for _, s := range statuses {
			if a.Status == s {
				return true
			}
		}
		return false
	})
}

// Run checks escalations on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.WithField("interval", e.checkInterval).Info("Escalation checker started")
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Escalation checker stopped")
			return
		case <-ticker.C:
			if n, err := e.CheckEscalations(); err != nil {
				e.logger.WithError(err).Error("Escalation check failed")
			} else if n > 0 {
				e.logger.WithField("count", n).Info("Escalation check completed")
			}
		}
	}
}

// Wait blocks until pending notification emails have been handed off.
func (e *Engine) Wait() {
	e.mailWG.Wait()
}

var errNoChange = errors.New("no change")

func (e *Engine) ruleIndex() (map[string]*model.AlertRule, error) {
	rules, err := e.store.ListRules()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	index := make(map[string]*model.AlertRule, len(rules))
	for _, r := range rules {
		index[r.ID] = r
	}
	return index, nil
}

// mail sends asynchronously so evaluation never waits on SMTP.
func (e *Engine) mail(subject, body string) {
	if e.notifier == nil {
		return
	}
	e.mailWG.Add(1)
	go func() {
		defer e.mailWG.Done()
		if err := e.notifier.Send(subject, body); err != nil {
			e.logger.WithError(err).WithField("subject", subject).Error("Failed to send alert notification")
			return
		}
		e.logger.WithField("subject", subject).Info("Alert notification sent")
	}()
}

func meanMinutes(sum time.Duration, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Round(sum.Minutes()/float64(n)*100) / 100
}

func newAlertBody(rule *model.AlertRule, alert *model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rule.Name)
	if rule.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", rule.Description)
	}
	fmt.Fprintf(&b, "- **Severity:** %s\n", rule.Severity)
	fmt.Fprintf(&b, "- **Value:** %.2f %s (threshold %s %.2f)\n", alert.TriggeredValue, rule.Unit, rule.Operator, rule.Threshold)
	fmt.Fprintf(&b, "- **Triggered at:** %s\n", alert.TriggeredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Alert id:** `%s`\n", alert.ID)
	return b.String()
}

func escalationBody(rule *model.AlertRule, alert *model.Alert, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Escalation: %s\n\n", rule.Name)
	fmt.Fprintf(&b, "Alert `%s` has been active and unacknowledged for **%s** (escalation delay %d minutes).\n\n",
		alert.ID, now.Sub(alert.TriggeredAt).Round(time.Minute), rule.EscalationMinutes)
	fmt.Fprintf(&b, "- **Severity:** %s\n", rule.Severity)
	fmt.Fprintf(&b, "- **Value:** %.2f %s\n", alert.TriggeredValue, rule.Unit)
	return b.String()
}
