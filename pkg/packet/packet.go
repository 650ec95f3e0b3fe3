// pkg/packet/packet.go
package packet

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// LwM2M content formats not covered by the common CoAP set.
const (
	FormatPlainText  message.MediaType = 0
	FormatLinkFormat message.MediaType = 40
	FormatOpaque     message.MediaType = 42
	FormatTLV        message.MediaType = 11542
	FormatJSON       message.MediaType = 11543
)

// Packet is a decoded CoAP datagram together with where and when it was seen.
type Packet struct {
	Message    message.Message
	Remote     net.Addr
	ReceivedAt time.Time
}

func (p *Packet) Code() codes.Code {
	return p.Message.Code
}

func (p *Packet) Token() message.Token {
	return p.Message.Token
}

func (p *Packet) Payload() []byte {
	return p.Message.Payload
}

func (p *Packet) Type() message.Type {
	return p.Message.Type
}

func (p *Packet) MessageID() int32 {
	return p.Message.MessageID
}

// IsRequest reports whether the code is a method code (0.01-0.31).
func (p *Packet) IsRequest() bool {
	return p.Message.Code >= codes.GET && p.Message.Code < 32
}

// IsResponse reports whether the code is in the 2.xx-5.xx response classes.
func (p *Packet) IsResponse() bool {
	return p.Message.Code >= 64
}

func (p *Packet) IsConfirmable() bool {
	return p.Message.Type == message.Confirmable
}

// Path returns the Uri-Path options joined into an absolute path.
func (p *Packet) Path() string {
	return joinSegments(p.stringOptions(message.URIPath))
}

// LocationPath returns the Location-Path options joined into an absolute path.
func (p *Packet) LocationPath() string {
	return joinSegments(p.stringOptions(message.LocationPath))
}

// Queries returns the Uri-Query options in wire order.
func (p *Packet) Queries() []string {
	return p.stringOptions(message.URIQuery)
}

// Query returns the value of the first key=value query with the given key.
func (p *Packet) Query(key string) (string, bool) {
	for _, q := range p.Queries() {
		k, v, found := strings.Cut(q, "=")
		if k == key {
			if !found {
				return "", true
			}
			return v, true
		}
	}
	return "", false
}

// Observe returns the Observe option value if present.
func (p *Packet) Observe() (uint32, bool) {
	v, err := p.Message.Options.GetUint32(message.Observe)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *Packet) ContentFormat() (message.MediaType, bool) {
	v, err := p.Message.Options.GetUint32(message.ContentFormat)
	if err != nil {
		return 0, false
	}
	return message.MediaType(v), true
}

func (p *Packet) Accept() (message.MediaType, bool) {
	v, err := p.Message.Options.GetUint32(message.Accept)
	if err != nil {
		return 0, false
	}
	return message.MediaType(v), true
}

// TypeName returns CON, NON, ACK or RST.
func (p *Packet) TypeName() string {
	return typeName(p.Message.Type)
}

func (p *Packet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s mid=%d token=%x", typeName(p.Message.Type), p.Message.Code, p.Message.MessageID, []byte(p.Message.Token))
	if path := p.Path(); path != "/" {
		b.WriteString(" path=" + path)
	}
	if q := p.Queries(); len(q) > 0 {
		b.WriteString(" query=" + strings.Join(q, "&"))
	}
	if loc := p.LocationPath(); loc != "/" {
		b.WriteString(" location=" + loc)
	}
	if obs, ok := p.Observe(); ok {
		fmt.Fprintf(&b, " observe=%d", obs)
	}
	if len(p.Message.Payload) > 0 {
		fmt.Fprintf(&b, " payload=%d bytes", len(p.Message.Payload))
	}
	return b.String()
}

func (p *Packet) stringOptions(id message.OptionID) []string {
	var values []string
	for _, opt := range p.Message.Options {
		if opt.ID == id {
			values = append(values, string(opt.Value))
		}
	}
	return values
}

func (p *Packet) addOption(id message.OptionID, value []byte) {
	p.Message.Options = append(p.Message.Options, message.Option{ID: id, Value: value})
	// Options must be sorted by number on the wire; repeated options keep
	// their relative order.
	slices.SortStableFunc(p.Message.Options, func(a, b message.Option) int {
		return int(a.ID) - int(b.ID)
	})
}

func (p *Packet) setUint32Option(id message.OptionID, value uint32) {
	buf := make([]byte, 4)
	n, err := message.EncodeUint32(buf, value)
	if err != nil {
		n = 0
	}
	p.removeOption(id)
	p.addOption(id, buf[:n])
}

func (p *Packet) removeOption(id message.OptionID) {
	p.Message.Options = slices.DeleteFunc(p.Message.Options, func(o message.Option) bool {
		return o.ID == id
	})
}

// SplitPath splits an absolute or relative path into its non-empty segments.
func SplitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func joinSegments(segments []string) string {
	return "/" + strings.Join(segments, "/")
}

func typeName(t message.Type) string {
	switch t {
	case message.Confirmable:
		return "CON"
	case message.NonConfirmable:
		return "NON"
	case message.Acknowledgement:
		return "ACK"
	case message.Reset:
		return "RST"
	default:
		return "UNSET"
	}
}
