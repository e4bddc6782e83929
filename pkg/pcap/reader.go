// Package pcap reads and writes classic pcap files with the pure-Go pcapgo
// codec and decodes Ethernet frames into traffic records.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"NetScope/internal/model"

	"github.com/google/gopacket/pcapgo"
)

// Reader reads traffic records from a pcap file.
type Reader struct {
	path    string
	file    *os.File
	reader  *pcapgo.Reader
	skipped int
}

// NewReader opens the pcap file at filePath.
func NewReader(filePath string) (*Reader, error) {
	r := &Reader{path: filePath}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file: %w", err)
	}
	pr, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read pcap header of %s: %w", r.path, err)
	}
	r.file, r.reader = f, pr
	return nil
}

// Next returns the next decodable record. Frames that are not IP are skipped
// and counted. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*model.TrafficRecord, error) {
	for {
		data, ci, err := r.reader.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		rec, err := Decode(data, ci)
		if err != nil {
			r.skipped++
			continue
		}
		return rec, nil
	}
}

// Skipped returns how many frames could not be decoded so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Rewind restarts reading from the first packet.
func (r *Reader) Rewind() error {
	r.file.Close()
	return r.open()
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
