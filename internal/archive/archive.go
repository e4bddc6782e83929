// Package archive mirrors stored traffic records to secondary sinks.
package archive

import (
	"fmt"

	"NetScope/internal/config"
	"NetScope/internal/model"

	"github.com/sirupsen/logrus"
)

// NewWriters builds every enabled writer. On error the writers built so far
// are closed.
func NewWriters(cfg config.ArchiveConfig, logger *logrus.Logger) ([]model.RecordWriter, error) {
	var writers []model.RecordWriter
	for _, def := range cfg.Writers {
		if !def.Enabled {
			continue
		}
		w, err := newWriter(def, logger)
		if err != nil {
			CloseAll(writers, logger)
			return nil, fmt.Errorf("failed to create %s writer: %w", def.Type, err)
		}
		logger.WithField("writer", w.Name()).Info("Archive writer enabled")
		writers = append(writers, w)
	}
	return writers, nil
}

func newWriter(def config.WriterDef, logger *logrus.Logger) (model.RecordWriter, error) {
	switch def.Type {
	case "clickhouse":
		return NewClickHouseWriter(def.ClickHouse, logger)
	case "text":
		return NewTextWriter(def.Text.RootPath)
	default:
		return nil, fmt.Errorf("unknown writer type '%s'", def.Type)
	}
}

// CloseAll closes the writers and logs failures.
func CloseAll(writers []model.RecordWriter, logger *logrus.Logger) {
	for _, w := range writers {
		if err := w.Close(); err != nil {
			logger.WithError(err).WithField("writer", w.Name()).Warn("Failed to close archive writer")
		}
	}
}
