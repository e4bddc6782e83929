package model

import (
	"fmt"
	"time"
)

// TrafficRecord is one captured unit of traffic. Records are immutable once
// written and belong to exactly one capture session.
type TrafficRecord struct {
	SessionID      string    `json:"session_id"`
	Timestamp      time.Time `json:"timestamp"`
	SrcAddr        string    `json:"source_ip"`
	DstAddr        string    `json:"destination_ip"`
	SrcPort        *uint16   `json:"source_port,omitempty"`
	DstPort        *uint16   `json:"destination_port,omitempty"`
	Protocol       string    `json:"protocol"`
	Length         int       `json:"length"`
	Flags          string    `json:"flags,omitempty"`
	PayloadPreview string    `json:"payload_preview,omitempty"`
}

// Port is a helper for building the optional port fields.
func Port(p uint16) *uint16 {
	return &p
}

// String renders the record in the one-line form used by text writers and logs.
func (r *TrafficRecord) String() string {
	return fmt.Sprintf("%s - %s:%s -> %s:%s, Proto: %s, Len: %d",
		r.Timestamp.Format("2006-01-02 15:04:05.000"),
		r.SrcAddr, portString(r.SrcPort),
		r.DstAddr, portString(r.DstPort),
		r.Protocol, r.Length)
}

func portString(p *uint16) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p)
}
