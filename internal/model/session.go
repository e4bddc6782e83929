package model

import (
	"net/netip"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a capture session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionArchived  SessionStatus = "archived"
)

// Live reports whether a background task should still be attached to the session.
func (s SessionStatus) Live() bool {
	return s == SessionRunning || s == SessionPaused
}

// Terminal reports whether the session has ended and carries an end time.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CaptureFilter restricts which records a session keeps. Empty fields match everything.
type CaptureFilter struct {
	Address  string `json:"address,omitempty"`
	Port     *int   `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// IsZero reports whether the filter has no criteria.
func (f *CaptureFilter) IsZero() bool {
	return f == nil || (f.Address == "" && f.Port == nil && f.Protocol == "")
}

// Matches reports whether a record satisfies every criterion of the filter.
// Address matches either endpoint and may be a single IP or a CIDR prefix.
func (f *CaptureFilter) Matches(r *TrafficRecord) bool {
	if f.IsZero() {
		return true
	}
	if f.Protocol != "" && !strings.EqualFold(f.Protocol, r.Protocol) {
		return false
	}
	if f.Port != nil {
		p := *f.Port
		if !(r.SrcPort != nil && int(*r.SrcPort) == p) && !(r.DstPort != nil && int(*r.DstPort) == p) {
			return false
		}
	}
	if f.Address != "" && !addressMatches(f.Address, r.SrcAddr) && !addressMatches(f.Address, r.DstAddr) {
		return false
	}
	return true
}

// Apply returns the subset of records matching the filter, preserving order.
func (f *CaptureFilter) Apply(records []TrafficRecord) []TrafficRecord {
	if f.IsZero() {
		return records
	}
	kept := records[:0:0]
	for i := range records {
		if f.Matches(&records[i]) {
			kept = append(kept, records[i])
		}
	}
	return kept
}

func addressMatches(pattern, addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return pattern == addr
	}
	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		return prefix.Contains(ip)
	}
	want, err := netip.ParseAddr(pattern)
	if err != nil {
		return false
	}
	return want == ip
}

// CaptureSession is one monitoring run on one interface.
//
// EndTime is set iff Status is completed or failed. RecordCount and BytesTotal
// only grow, and only the session's own background task writes them.
type CaptureSession struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	InterfaceID string         `json:"interface_id"`
	OwnerID     string         `json:"owner_id"`
	Status      SessionStatus  `json:"status"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	RecordCount uint64         `json:"record_count"`
	BytesTotal  uint64         `json:"bytes_total"`
	Filter      *CaptureFilter `json:"filter,omitempty"`
}

// Interface is the monitored network interface as seen by the capture core.
// Identity comes from the discovery collaborator; the core only toggles Monitoring.
type Interface struct {
	ID                 string `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	DisplayName        string `json:"display_name" yaml:"display_name"`
	Address            string `json:"ip_address" yaml:"address"`
	MAC                string `json:"mac_address" yaml:"mac"`
	Active             bool   `json:"is_active" yaml:"active"`
	Monitoring         bool   `json:"is_monitoring" yaml:"-"`
	BandwidthLimitMbps *int   `json:"bandwidth_limit_mbps,omitempty" yaml:"bandwidth_limit_mbps"`
}
