// pkg/packet/builder.go
package packet

import (
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Option customizes a packet produced by NewRequest or NewResponse.
type Option func(*Packet)

// WithQuery appends Uri-Query options.
func WithQuery(queries ...string) Option {
	return func(p *Packet) {
		for _, q := range queries {
			p.addOption(message.URIQuery, []byte(q))
		}
	}
}

// WithObserve sets the Observe option (0 registers, 1 deregisters).
func WithObserve(value uint32) Option {
	return func(p *Packet) {
		p.setUint32Option(message.Observe, value)
	}
}

func WithContentFormat(format message.MediaType) Option {
	return func(p *Packet) {
		p.setUint32Option(message.ContentFormat, uint32(format))
	}
}

func WithAccept(format message.MediaType) Option {
	return func(p *Packet) {
		p.setUint32Option(message.Accept, uint32(format))
	}
}

// WithLocation sets Location-Path options from an absolute path.
func WithLocation(path string) Option {
	return func(p *Packet) {
		p.removeOption(message.LocationPath)
		for _, seg := range SplitPath(path) {
			p.addOption(message.LocationPath, []byte(seg))
		}
	}
}

func WithPayload(payload []byte) Option {
	return func(p *Packet) {
		p.Message.Payload = payload
	}
}

func WithToken(token message.Token) Option {
	return func(p *Packet) {
		p.Message.Token = token
	}
}

func WithMessageID(mid int32) Option {
	return func(p *Packet) {
		p.Message.MessageID = mid
	}
}

// NonConfirmable switches the message type to NON.
func NonConfirmable() Option {
	return func(p *Packet) {
		p.Message.Type = message.NonConfirmable
	}
}

// NewRequest builds a confirmable request with a fresh message id and token.
func NewRequest(code codes.Code, path string, opts ...Option) (*Packet, error) {
	token, err := message.GetToken()
	if err != nil {
		return nil, err
	}
	p := &Packet{
		Message: message.Message{
			Code:      code,
			Token:     token,
			Type:      message.Confirmable,
			MessageID: int32(uint16(message.GetMID())),
		},
	}
	for _, seg := range SplitPath(path) {
		p.addOption(message.URIPath, []byte(seg))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewResponse builds the reply to req. A confirmable request gets a
// piggybacked ACK with the same message id; anything else gets a NON with a
// fresh message id. The token is always echoed.
func NewResponse(req *Packet, code codes.Code, opts ...Option) *Packet {
	p := &Packet{
		Message: message.Message{
			Code:  code,
			Token: req.Message.Token,
		},
	}
	if req.IsConfirmable() {
		p.Message.Type = message.Acknowledgement
		p.Message.MessageID = req.Message.MessageID
	} else {
		p.Message.Type = message.NonConfirmable
		p.Message.MessageID = int32(uint16(message.GetMID()))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewEmptyAck acknowledges a confirmable message without a response.
func NewEmptyAck(req *Packet) *Packet {
	return &Packet{
		Message: message.Message{
			Code:      codes.Empty,
			Type:      message.Acknowledgement,
			MessageID: req.Message.MessageID,
		},
	}
}

// NewNotification builds an observe notification for the given token.
func NewNotification(token message.Token, seq uint32, format message.MediaType, payload []byte, confirmable bool) *Packet {
	p := &Packet{
		Message: message.Message{
			Code:      codes.Content,
			Token:     token,
			Type:      message.NonConfirmable,
			MessageID: int32(uint16(message.GetMID())),
			Payload:   payload,
		},
	}
	if confirmable {
		p.Message.Type = message.Confirmable
	}
	p.setUint32Option(message.Observe, seq)
	p.setUint32Option(message.ContentFormat, uint32(format))
	return p
}
