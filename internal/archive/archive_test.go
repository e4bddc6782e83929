package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"NetScope/internal/config"
	"NetScope/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sampleRecords() []model.TrafficRecord {
	ts := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	return []model.TrafficRecord{
		{Timestamp: ts, SrcAddr: "10.0.0.1", DstAddr: "8.8.8.8", SrcPort: model.Port(51000), DstPort: model.Port(443), Protocol: "HTTPS", Length: 1200, Flags: "ACK"},
		{Timestamp: ts.Add(time.Millisecond), SrcAddr: "10.0.0.2", DstAddr: "10.0.0.3", Protocol: "ICMP", Length: 64},
	}
}

func TestTextWriter_AppendsPerSession(t *testing.T) {
	root := t.TempDir()
	w, err := NewTextWriter(root)
	require.NoError(t, err)

	records := sampleRecords()
	require.NoError(t, w.WriteRecords(context.Background(), "s1", records[:1]))
	require.NoError(t, w.WriteRecords(context.Background(), "s1", records[1:]))
	require.NoError(t, w.WriteRecords(context.Background(), "s2", nil))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(root, "s1.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2024-06-03 14:30:00.000 - 10.0.0.1:51000 -> 8.8.8.8:443, Proto: HTTPS, Len: 1200", lines[0])
	assert.Equal(t, "2024-06-03 14:30:00.001 - 10.0.0.2:- -> 10.0.0.3:-, Proto: ICMP, Len: 64", lines[1])

	_, err = os.Stat(filepath.Join(root, "s2.log"))
	assert.True(t, os.IsNotExist(err), "empty batches create no file")
}

func TestRecordRow_ColumnOrder(t *testing.T) {
	records := sampleRecords()
	row := recordRow("s1", &records[0])
	require.Len(t, row, 10)
	assert.Equal(t, "s1", row[1])
	assert.Equal(t, model.Port(51000), row[4])
	assert.Equal(t, uint32(1200), row[7])

	row = recordRow("s1", &records[1])
	assert.Nil(t, row[4].(*uint16))
	assert.Nil(t, row[5].(*uint16))
}

func TestNewWriters(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mirror")
	writers, err := NewWriters(config.ArchiveConfig{Writers: []config.WriterDef{
		{Type: "text", Enabled: true, Text: config.TextWriterConfig{RootPath: root}},
		{Type: "clickhouse", Enabled: false},
	}}, quietLogger())
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, "text", writers[0].Name())
	CloseAll(writers, quietLogger())

	_, err = NewWriters(config.ArchiveConfig{Writers: []config.WriterDef{{Type: "kafka", Enabled: true}}}, quietLogger())
	assert.Error(t, err)
}
