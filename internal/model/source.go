package model

import "context"

// TrafficSource produces traffic records for one capture session.
// The synthetic generator and file replay implement it; a live capture
// driver would drain its capture buffer in Next.
type TrafficSource interface {
	// Next returns the records observed since the previous call. An empty
	// batch is valid.
	Next(ctx context.Context) ([]TrafficRecord, error)

	// Close releases resources held by the source.
	Close() error
}

// RecordWriter mirrors stored record batches to a secondary sink.
type RecordWriter interface {
	WriteRecords(ctx context.Context, sessionID string, records []TrafficRecord) error
	Name() string
	Close() error
}
