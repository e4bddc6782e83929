// Command pcapgen writes a pcap file of mixed IPv4 traffic for the pcap
// replay source.
package main

import (
	"flag"
	"log"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"NetScope/pkg/pcap"

	"github.com/google/gopacket/layers"
)

var servicePorts = []uint16{21, 22, 25, 53, 80, 443, 8080}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	packetCount := flag.Int("c", 1000, "Number of packets to generate")
	hosts := flag.Int("hosts", 20, "Number of distinct source hosts")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	w, err := pcap.NewWriter(f)
	if err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	log.Printf("Generating %d packets into %s...", *packetCount, *outputFile)

	start := time.Now()
	for i := 0; i < *packetCount; i++ {
		if (i+1)%100000 == 0 {
			log.Printf("Generated %d packets...", i+1)
		}
		p := randomPacket(*hosts)
		if err := w.Write(start.Add(time.Duration(i)*time.Millisecond), p); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
	}

	log.Printf("Successfully generated %d packets into %s.", *packetCount, *outputFile)
}

func randomPacket(hosts int) pcap.Packet {
	p := pcap.Packet{
		SrcIP:   net.IPv4(192, 168, 1, byte(rand.IntN(max(hosts, 1))+1)),
		DstIP:   net.IPv4(byte(rand.IntN(223)+1), byte(rand.IntN(256)), byte(rand.IntN(256)), byte(rand.IntN(254)+1)),
		SrcPort: uint16(rand.IntN(65535-1024) + 1024),
		DstPort: servicePorts[rand.IntN(len(servicePorts))],
		Payload: make([]byte, rand.IntN(1400)+50),
	}
	for i := range p.Payload {
		p.Payload[i] = byte(rand.IntN(256))
	}

	switch n := rand.IntN(10); {
	case n < 7:
		p.Protocol = layers.IPProtocolTCP
		p.ACK = true
		p.PSH = rand.IntN(2) == 0
		p.SYN = rand.IntN(10) == 0
	case n < 9:
		p.Protocol = layers.IPProtocolUDP
	default:
		p.Protocol = layers.IPProtocolICMPv4
		p.Payload = p.Payload[:32]
	}
	return p
}
