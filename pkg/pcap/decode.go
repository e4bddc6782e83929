package pcap

import (
	"errors"
	"strings"

	"NetScope/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotIP is returned for frames without an IPv4 or IPv6 layer.
var ErrNotIP = errors.New("not an IP packet")

const previewLen = 32

var tcpServices = map[uint16]string{
	21:   "FTP",
	22:   "SSH",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	443:  "HTTPS",
	8080: "HTTP",
}

// Decode uses gopacket to decode an Ethernet frame into a traffic record.
// Well-known TCP ports are tagged with their application protocol.
func Decode(data []byte, ci gopacket.CaptureInfo) (*model.TrafficRecord, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	rec := &model.TrafficRecord{
		Timestamp: ci.Timestamp,
		Length:    ci.Length,
	}
	if rec.Length == 0 {
		rec.Length = len(data)
	}

	var ipProto layers.IPProtocol
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		rec.SrcAddr, rec.DstAddr = ip.SrcIP.String(), ip.DstIP.String()
		ipProto = ip.Protocol
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		rec.SrcAddr, rec.DstAddr = ip.SrcIP.String(), ip.DstIP.String()
		ipProto = ip.NextHeader
	} else {
		return nil, ErrNotIP
	}

	var payload []byte
	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		rec.SrcPort = model.Port(uint16(tcp.SrcPort))
		rec.DstPort = model.Port(uint16(tcp.DstPort))
		rec.Protocol = classify("TCP", tcpServices, uint16(tcp.SrcPort), uint16(tcp.DstPort))
		rec.Flags = tcpFlags(tcp)
		payload = tcp.Payload
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		rec.SrcPort = model.Port(uint16(udp.SrcPort))
		rec.DstPort = model.Port(uint16(udp.DstPort))
		rec.Protocol = classify("UDP", map[uint16]string{53: "DNS"}, uint16(udp.SrcPort), uint16(udp.DstPort))
		payload = udp.Payload
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil || packet.Layer(layers.LayerTypeICMPv6) != nil {
		rec.Protocol = "ICMP"
	} else {
		rec.Protocol = strings.ToUpper(ipProto.String())
	}
	rec.PayloadPreview = preview(payload)
	return rec, nil
}

func classify(transport string, services map[uint16]string, src, dst uint16) string {
	if name, ok := services[dst]; ok {
		return name
	}
	if name, ok := services[src]; ok {
		return name
	}
	return transport
}

// tcpFlags lists the set flags with ACK last, e.g. "SYN,ACK".
func tcpFlags(tcp *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.SYN, "SYN"}, {tcp.FIN, "FIN"}, {tcp.RST, "RST"},
		{tcp.PSH, "PSH"}, {tcp.URG, "URG"}, {tcp.ACK, "ACK"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, ",")
}

// preview renders the start of a payload with non-printable bytes as dots.
func preview(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	if len(payload) > previewLen {
		payload = payload[:previewLen]
	}
	out := make([]byte, len(payload))
	for i, b := range payload {
		if b >= 0x20 && b < 0x7f {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
