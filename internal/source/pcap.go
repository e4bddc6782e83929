package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"NetScope/internal/config"
	"NetScope/internal/model"
	"NetScope/pkg/pcap"
)

func init() {
	Register("pcap", func(cfg *config.CaptureConfig, _ *model.CaptureSession) (model.TrafficSource, error) {
		return NewPcapReplay(cfg.Pcap.Path, cfg.Pcap.BatchSize, cfg.Pcap.Loop)
	})
}

// PcapReplay replays a pcap file, up to batchSize packets per call. Records
// are stamped with the replay time so trailing windows see them as live
// traffic. Without loop the source yields empty batches once exhausted.
type PcapReplay struct {
	reader    *pcap.Reader
	batchSize int
	loop      bool
	exhausted bool
	now       func() time.Time
}

// NewPcapReplay opens path for replay.
func NewPcapReplay(path string, batchSize int, loop bool) (*PcapReplay, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("pcap batch size must be positive, got %d", batchSize)
	}
	reader, err := pcap.NewReader(path)
	if err != nil {
		return nil, err
	}
	return &PcapReplay{reader: reader, batchSize: batchSize, loop: loop, now: time.Now}, nil
}

// Next returns the next batch of decoded packets.
func (p *PcapReplay) Next(ctx context.Context) ([]model.TrafficRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.exhausted {
		return nil, nil
	}
	now := p.now()
	batch := make([]model.TrafficRecord, 0, p.batchSize)
	rewound := false
	for len(batch) < p.batchSize {
		rec, err := p.reader.Next()
		if errors.Is(err, io.EOF) {
			if !p.loop {
				p.exhausted = true
				break
			}
			// One rewind per call, so a file without decodable packets cannot spin.
			if rewound {
				break
			}
			if err := p.reader.Rewind(); err != nil {
				return batch, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return batch, err
		}
		rec.Timestamp = now
		batch = append(batch, *rec)
	}
	return batch, nil
}

// Close closes the pcap file.
func (p *PcapReplay) Close() error {
	return p.reader.Close()
}
