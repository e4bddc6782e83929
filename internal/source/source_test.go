package source

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"NetScope/internal/config"
	"NetScope/internal/model"
	"NetScope/pkg/pcap"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_BatchBoundsAndShape(t *testing.T) {
	src := NewSynthetic(20, 50, 42)
	for i := 0; i < 50; i++ {
		batch, err := src.Next(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(batch), 20)
		require.LessOrEqual(t, len(batch), 50)
		for _, r := range batch {
			assert.Contains(t, syntheticSources, r.SrcAddr)
			assert.Contains(t, syntheticDestinations, r.DstAddr)
			assert.GreaterOrEqual(t, r.Length, 64)
			assert.LessOrEqual(t, r.Length, 1500)
			require.NotNil(t, r.SrcPort)
			assert.GreaterOrEqual(t, *r.SrcPort, uint16(1024))
			if r.Protocol != "TCP" {
				assert.Empty(t, r.Flags)
			} else {
				assert.Contains(t, syntheticFlags, r.Flags)
			}
		}
	}
}

func TestSynthetic_SeedIsDeterministic(t *testing.T) {
	a, b := NewSynthetic(5, 10, 7), NewSynthetic(5, 10, 7)
	fixed := time.Unix(1700000000, 0)
	a.now = func() time.Time { return fixed }
	b.now = func() time.Time { return fixed }

	ba, err := a.Next(context.Background())
	require.NoError(t, err)
	bb, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

func TestSynthetic_FixedBatchAndCancelledContext(t *testing.T) {
	src := NewSynthetic(3, 3, 1)
	batch, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func writePcap(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w, err := pcap.NewWriter(f)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Write(time.Unix(1700000000, 0), pcap.Packet{
			SrcIP: net.IPv4(10, 0, 0, byte(i+1)), DstIP: net.IPv4(8, 8, 8, 8),
			SrcPort: 40000, DstPort: 80, Protocol: layers.IPProtocolTCP, SYN: true,
		}))
	}
	return path
}

func TestPcapReplay_BatchesAndExhausts(t *testing.T) {
	src, err := NewPcapReplay(writePcap(t, 5), 2, false)
	require.NoError(t, err)
	defer src.Close()
	replayTime := time.Unix(1800000000, 0)
	src.now = func() time.Time { return replayTime }

	var sizes []int
	for i := 0; i < 4; i++ {
		batch, err := src.Next(context.Background())
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
		for _, r := range batch {
			assert.Equal(t, "HTTP", r.Protocol)
			assert.True(t, r.Timestamp.Equal(replayTime))
		}
	}
	assert.Equal(t, []int{2, 2, 1, 0}, sizes)
}

func TestPcapReplay_Loops(t *testing.T) {
	src, err := NewPcapReplay(writePcap(t, 3), 4, true)
	require.NoError(t, err)
	defer src.Close()

	batch, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 4)
	assert.Equal(t, "10.0.0.1", batch[0].SrcAddr)
	assert.Equal(t, "10.0.0.1", batch[3].SrcAddr)
}

func TestPcapReplay_InvalidBatch(t *testing.T) {
	_, err := NewPcapReplay(writePcap(t, 1), 0, false)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"pcap", "synthetic"}, Names())

	cfg := config.Default().Capture
	src, err := New(&cfg, &model.CaptureSession{ID: "s1"})
	require.NoError(t, err)
	assert.IsType(t, &Synthetic{}, src)

	cfg.Source = "pcap"
	cfg.Pcap.Path = writePcap(t, 1)
	src, err = New(&cfg, &model.CaptureSession{ID: "s1"})
	require.NoError(t, err)
	assert.IsType(t, &PcapReplay{}, src)
	require.NoError(t, src.Close())

	cfg.Source = "libpcap"
	_, err = New(&cfg, &model.CaptureSession{ID: "s1"})
	assert.Error(t, err)

	assert.Panics(t, func() { Register("synthetic", nil) })
}
