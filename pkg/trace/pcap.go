package trace

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapTracer writes events as synthesized Ethernet/IP/UDP frames so a run
// can be opened in Wireshark with the CoAP dissector.
type PcapTracer struct {
	file   *os.File
	writer *pcapgo.Writer
	mu     sync.Mutex
	closed bool
}

func NewPcapTracer(path string) (*PcapTracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PcapTracer{file: f, writer: w}, nil
}

func (t *PcapTracer) Record(event Event) {
	frame, err := buildFrame(event)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	_ = t.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     event.Timestamp,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

func (t *PcapTracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}

func buildFrame(event Event) ([]byte, error) {
	local, err := parseAddrPort(event.LocalAddr)
	if err != nil {
		return nil, err
	}
	remote, err := parseAddrPort(event.RemoteAddr)
	if err != nil {
		return nil, err
	}
	src, dst := remote, local
	if event.Direction == DirectionOut {
		src, dst = local, remote
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	ethernet := &layers.Ethernet{
		SrcMAC: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x02},
	}

	var network gopacket.SerializableLayer
	if src.Addr().Is4() && dst.Addr().Is4() {
		ethernet.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ethernet.EthernetType = layers.EthernetTypeIPv6
		s16, d16 := src.Addr().As16(), dst.Addr().As16()
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.IP(s16[:]),
			DstIP:      net.IP(d16[:]),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, ethernet, network, udp, gopacket.Payload(event.Data)); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}
	return buffer.Bytes(), nil
}

func parseAddrPort(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

var _ Tracer = (*PcapTracer)(nil)
