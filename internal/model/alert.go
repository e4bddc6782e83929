package model

import (
	"fmt"
	"time"
)

// Operator is the comparison an AlertRule applies to its metric.
type Operator string

const (
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpEquals      Operator = "equals"
)

// Severity of a rule; alerts inherit it from their rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Metric keys produced by the metrics aggregator.
const (
	MetricBandwidth  = "bandwidth"
	MetricPacketRate = "packet_rate"
	MetricConnection = "connection"
)

// AlertRule is a standing condition evaluated against metric snapshots.
type AlertRule struct {
	ID                string    `json:"id" yaml:"id"`
	Name              string    `json:"name" yaml:"name"`
	Description       string    `json:"description,omitempty" yaml:"description"`
	Metric            string    `json:"metric" yaml:"metric"`
	Operator          Operator  `json:"condition" yaml:"condition"`
	Threshold         float64   `json:"threshold_value" yaml:"threshold"`
	Unit              string    `json:"threshold_unit" yaml:"unit"`
	Severity          Severity  `json:"severity" yaml:"severity"`
	Active            bool      `json:"is_active" yaml:"active"`
	EscalationMinutes int       `json:"escalation_minutes" yaml:"escalation_minutes"`
	Notify            bool      `json:"notify_email" yaml:"notify"`
	CreatedBy         string    `json:"created_by" yaml:"created_by"`
	CreatedAt         time.Time `json:"created_at" yaml:"-"`
}

// Holds reports whether value satisfies the rule's comparison.
// Unknown operators never hold.
func (r *AlertRule) Holds(value float64) bool {
	switch r.Operator {
	case OpGreaterThan:
		return value > r.Threshold
	case OpLessThan:
		return value < r.Threshold
	case OpEquals:
		return value == r.Threshold
	default:
		return false
	}
}

// Validate checks that the rule can be evaluated.
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Metric == "" {
		return fmt.Errorf("rule %q: metric is required", r.Name)
	}
	switch r.Operator {
	case OpGreaterThan, OpLessThan, OpEquals:
	default:
		return fmt.Errorf("rule %q: unknown condition %q", r.Name, r.Operator)
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
	}
	if r.EscalationMinutes < 0 {
		return fmt.Errorf("rule %q: escalation_minutes must not be negative", r.Name)
	}
	return nil
}

// AlertStatus is the lifecycle state of an alert: active -> acknowledged -> resolved,
// or active -> resolved directly.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is one instance of a rule firing.
type Alert struct {
	ID             string      `json:"id"`
	RuleID         string      `json:"rule_id"`
	TriggeredAt    time.Time   `json:"triggered_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	Status         AlertStatus `json:"status"`
	TriggeredValue float64     `json:"triggered_value"`
	Details        string      `json:"details,omitempty"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	EscalatedAt    *time.Time  `json:"escalated_at,omitempty"`
}
