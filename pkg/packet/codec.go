// pkg/packet/codec.go
package packet

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

const (
	initialOptions = 16
	maxOptions     = 1024
)

// Encode serializes the packet with the CoAP-over-UDP coder.
func Encode(p *Packet) ([]byte, error) {
	size, err := coder.DefaultCoder.Size(p.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to size %s: %w", p, err)
	}
	buf := make([]byte, size)
	n, err := coder.DefaultCoder.Encode(p.Message, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p, err)
	}
	return buf[:n], nil
}

// Decode parses one datagram. The input is copied so the returned packet
// does not alias the caller's read buffer.
func Decode(data []byte, remote net.Addr) (*Packet, error) {
	raw := append([]byte(nil), data...)
	// Options are unmarshalled into the slice's spare capacity; grow it
	// until every option fits.
	m := message.Message{Options: make(message.Options, 0, initialOptions)}
	for {
		_, err := coder.DefaultCoder.Decode(raw, &m)
		if err == nil {
			break
		}
		if !errors.Is(err, message.ErrOptionsTooSmall) || cap(m.Options) >= maxOptions {
			return nil, fmt.Errorf("failed to decode %d byte datagram: %w", len(data), err)
		}
		m = message.Message{Options: make(message.Options, 0, cap(m.Options)*2)}
	}
	return &Packet{
		Message:    m,
		Remote:     remote,
		ReceivedAt: time.Now(),
	}, nil
}
