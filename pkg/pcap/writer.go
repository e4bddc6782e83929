package pcap

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Packet describes a synthetic IPv4 packet to serialize.
type Packet struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol layers.IPProtocol // TCP, UDP or ICMPv4
	SYN      bool
	ACK      bool
	FIN      bool
	PSH      bool
	Payload  []byte
}

// Serialize builds an Ethernet frame for p with checksums and lengths fixed up.
func Serialize(p Packet) ([]byte, error) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    p.SrcIP.To4(),
		DstIP:    p.DstIP.To4(),
		Version:  4,
		TTL:      64,
		Protocol: p.Protocol,
	}

	var transport gopacket.SerializableLayer
	switch p.Protocol {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(p.SrcPort),
			DstPort: layers.TCPPort(p.DstPort),
			SYN:     p.SYN,
			ACK:     p.ACK,
			FIN:     p.FIN,
			PSH:     p.PSH,
			Window:  14600,
		}
		tcp.SetNetworkLayerForChecksum(ipLayer)
		transport = tcp
	case layers.IPProtocolUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(p.SrcPort),
			DstPort: layers.UDPPort(p.DstPort),
		}
		udp.SetNetworkLayerForChecksum(ipLayer)
		transport = udp
	case layers.IPProtocolICMPv4:
		transport = &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	default:
		return nil, fmt.Errorf("unsupported protocol %s", p.Protocol)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, transport, gopacket.Payload(p.Payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize layers: %w", err)
	}
	return buf.Bytes(), nil
}

// Writer appends packets to a pcap stream.
type Writer struct {
	w *pcapgo.Writer
}

// NewWriter writes the pcap file header to out.
func NewWriter(out io.Writer) (*Writer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: w}, nil
}

// Write serializes p and records it with timestamp ts.
func (w *Writer) Write(ts time.Time, p Packet) error {
	data, err := Serialize(p)
	if err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	return w.w.WritePacket(ci, data)
}
