package archive

import (
	"context"
	"fmt"
	"time"

	"NetScope/internal/config"
	"NetScope/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS traffic_records (
    Timestamp      DateTime64(3),
    SessionID      String,
    SrcIP          String,
    DstIP          String,
    SrcPort        Nullable(UInt16),
    DstPort        Nullable(UInt16),
    Protocol       LowCardinality(String),
    Length         UInt32,
    Flags          String,
    PayloadPreview String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SessionID, Timestamp);
`

const writeTimeout = 10 * time.Second

// ClickHouseWriter mirrors record batches into the traffic_records table.
type ClickHouseWriter struct {
	conn   driver.Conn
	logger *logrus.Logger
}

// NewClickHouseWriter connects to ClickHouse and ensures the table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, logger *logrus.Logger) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.WithField("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).Info("Connected to ClickHouse and ensured traffic_records exists")

	return &ClickHouseWriter{conn: conn, logger: logger}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Name implements model.RecordWriter.
func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// WriteRecords inserts one batch.
func (w *ClickHouseWriter) WriteRecords(ctx context.Context, sessionID string, records []model.TrafficRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO traffic_records")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for i := range records {
		if err := batch.Append(recordRow(sessionID, &records[i])...); err != nil {
			return fmt.Errorf("failed to append record to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.logger.WithFields(logrus.Fields{"session_id": sessionID, "records": len(records)}).Debug("Wrote records to ClickHouse")
	return nil
}

// Close releases the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// recordRow lays a record out in traffic_records column order. Missing ports
// stay nil so they land as NULL.
func recordRow(sessionID string, r *model.TrafficRecord) []interface{} {
	return []interface{}{
		r.Timestamp,
		sessionID,
		r.SrcAddr,
		r.DstAddr,
		r.SrcPort,
		r.DstPort,
		r.Protocol,
		uint32(r.Length),
		r.Flags,
		r.PayloadPreview,
	}
}
