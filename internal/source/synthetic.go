package source

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"NetScope/internal/config"
	"NetScope/internal/model"
)

func init() {
	Register("synthetic", func(cfg *config.CaptureConfig, sess *model.CaptureSession) (model.TrafficSource, error) {
		h := fnv.New64a()
		h.Write([]byte(sess.ID))
		return NewSynthetic(cfg.Synthetic.MinBatch, cfg.Synthetic.MaxBatch, h.Sum64()), nil
	})
}

var (
	syntheticProtocols = []string{"TCP", "UDP", "ICMP", "HTTP", "HTTPS", "DNS", "SSH", "FTP"}
	syntheticFlags     = []string{"SYN", "ACK", "FIN", "PSH", "RST", "SYN,ACK", "PSH,ACK", "FIN,ACK"}
	syntheticSources   = []string{
		"192.168.1.100", "192.168.1.101", "192.168.1.102", "10.0.0.50",
		"172.16.0.20", "192.168.0.150", "10.1.1.30",
	}
	syntheticDestinations = []string{
		"8.8.8.8", "1.1.1.1", "172.217.14.206", "151.101.1.140",
		"104.16.132.229", "13.107.21.200", "192.168.1.1",
	}
	syntheticPorts = []uint16{80, 443, 53, 22, 25, 3306, 5432, 8080, 3389}
)

// Synthetic generates random traffic from a fixed pool of hosts and services.
type Synthetic struct {
	rng      *rand.Rand
	minBatch int
	maxBatch int
	now      func() time.Time
}

// NewSynthetic creates a generator producing between minBatch and maxBatch
// records per call. The same seed yields the same sequence.
func NewSynthetic(minBatch, maxBatch int, seed uint64) *Synthetic {
	return &Synthetic{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		minBatch: minBatch,
		maxBatch: maxBatch,
		now:      time.Now,
	}
}

// Next returns a batch of random records stamped with the current time.
func (s *Synthetic) Next(ctx context.Context) ([]model.TrafficRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.minBatch
	if s.maxBatch > s.minBatch {
		n += s.rng.IntN(s.maxBatch - s.minBatch + 1)
	}
	now := s.now()
	batch := make([]model.TrafficRecord, n)
	for i := range batch {
		proto := pick(s.rng, syntheticProtocols)
		rec := model.TrafficRecord{
			Timestamp: now,
			SrcAddr:   pick(s.rng, syntheticSources),
			DstAddr:   pick(s.rng, syntheticDestinations),
			SrcPort:   model.Port(uint16(1024 + s.rng.IntN(65535-1024+1))),
			DstPort:   model.Port(pick(s.rng, syntheticPorts)),
			Protocol:  proto,
			Length:    64 + s.rng.IntN(1500-64+1),
		}
		if proto == "TCP" {
			rec.Flags = pick(s.rng, syntheticFlags)
		}
		batch[i] = rec
	}
	return batch, nil
}

// Close is a no-op.
func (s *Synthetic) Close() error {
	return nil
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.IntN(len(xs))]
}
