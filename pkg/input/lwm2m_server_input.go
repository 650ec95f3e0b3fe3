// pkg/input/lwm2m_server_input.go
package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/lwm2m-harness/pkg/converter"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
	"github.com/twinfer/lwm2m-harness/pkg/registration"
)

// receiveWindow bounds one idle wait; Close cancels it early.
const receiveWindow = time.Minute

func init() {
	err := service.RegisterInput("lwm2m_server", serverInputSpec(), func(conf *service.ParsedConfig, mgr *service.Resources) (service.Input, error) {
		return newLwM2MServerInput(conf, mgr)
	})
	if err != nil {
		panic(err)
	}
}

func serverInputSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Acts as a passive LwM2M server and emits every packet a device sends.").
		Description("The LwM2M server input listens for a device, answers its register, update and deregister requests, acknowledges confirmable notifications and converts each received packet into a message with coap_* and lwm2m_* metadata.").
		Field(service.NewStringField("listen_address").
			Description("Address to listen on for the device.").
			Default("0.0.0.0:5683").
			Example("127.0.0.1:5683")).
		Field(service.NewStringField("protocol").
			Description("Transport to listen on.").
			Default("udp").
			LintRule("root in ['udp', 'udp-dtls']")).
		Field(service.NewStringField("location").
			Description("Fixed location path handed out on registration. Empty generates /rd/<n>.").
			Default("").
			Example("/rd/demo")).
		Field(service.NewIntField("ssid").
			Description("Short server id this server is known by.").
			Default(1)).
		Field(service.NewObjectField("security",
			service.NewStringField("mode").
				Description("Security mode: none, psk, or certificate.").
				Default("none").
				LintRule("root in ['none', 'psk', 'certificate']"),
			service.NewStringField("psk_identity").
				Description("PSK identity for DTLS authentication.").
				Optional(),
			service.NewStringField("psk_key").
				Description("PSK key for DTLS authentication.").
				Optional(),
			service.NewStringField("cert_file").
				Description("Path to server certificate file.").
				Optional(),
			service.NewStringField("key_file").
				Description("Path to server private key file.").
				Optional(),
			service.NewStringField("ca_cert_file").
				Description("Path to CA certificate file for client verification.").
				Optional(),
		).Description("Security configuration for the endpoint.")).
		Field(service.NewIntField("buffer_size").
			Description("Size of the message buffer for received packets.").
			Default(1000)).
		Field(service.NewBoolField("ack_notifications").
			Description("Acknowledge confirmable notifications and responses.").
			Default(true)).
		Field(service.NewObjectField("converter",
			service.NewBoolField("decode_payloads").
				Description("Replace TLV, JSON, CBOR and link-format payloads with their structured form.").
				Default(false),
			service.NewIntField("max_payload_size").
				Description("Maximum payload size in bytes.").
				Default(65536),
			service.NewBoolField("preserve_options").
				Description("Preserve all CoAP options in message metadata.").
				Default(false),
		).Description("Message conversion configuration."))
}

type ServerInput struct {
	endpoint  *endpoint.Endpoint
	tracker   *registration.Tracker
	converter *converter.Converter
	logger    *service.Logger
	metrics   metrics.Recorder
	config    ServerConfig

	msgChan   chan *service.Message
	closeChan chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

type ServerConfig struct {
	ListenAddress    string
	Protocol         string
	Location         string
	SSID             int
	BufferSize       int
	AckNotifications bool
	Security         endpoint.Security
	ConverterConfig  converter.Config
}

func newLwM2MServerInput(conf *service.ParsedConfig, mgr *service.Resources) (*ServerInput, error) {
	config, err := parseServerConfig(conf)
	if err != nil {
		return nil, err
	}
	return NewServerInput(config, mgr.Logger(), metrics.NewBenthosRecorder(mgr.Metrics())), nil
}

// NewServerInput builds the input without a Benthos config, as the harness
// CLI does.
func NewServerInput(config ServerConfig, logger *service.Logger, recorder metrics.Recorder) *ServerInput {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.SSID <= 0 {
		config.SSID = 1
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	tracker := registration.NewTracker(config.SSID)
	if config.Location != "" {
		tracker.Assign(config.Location)
	}

	return &ServerInput{
		tracker:   tracker,
		converter: converter.NewConverter(config.ConverterConfig, logger),
		logger:    logger,
		metrics:   recorder,
		config:    config,
		msgChan:   make(chan *service.Message, config.BufferSize),
		closeChan: make(chan struct{}),
	}
}

func (s *ServerInput) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpoint != nil {
		return nil // Already connected
	}

	ep, err := endpoint.Open(s.config.ListenAddress,
		endpoint.WithProtocol(s.config.Protocol),
		endpoint.WithSecurity(s.config.Security),
		endpoint.WithSSID(s.config.SSID),
		endpoint.WithLogger(s.logger),
		endpoint.WithMetrics(s.metrics),
	)
	if err != nil {
		return err
	}
	s.endpoint = ep

	s.wg.Add(1)
	go s.serve(ep)

	s.logger.Infof("LwM2M server input listening on %s", ep.URI())
	return nil
}

// Addr returns the bound address once connected.
func (s *ServerInput) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endpoint == nil {
		return ""
	}
	return s.endpoint.Addr().String()
}

// URI returns the coap:// or coaps:// URI devices should register with.
func (s *ServerInput) URI() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endpoint == nil {
		return ""
	}
	return s.endpoint.URI()
}

func (s *ServerInput) Tracker() *registration.Tracker {
	return s.tracker
}

func (s *ServerInput) serve(ep *endpoint.Endpoint) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closeChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		p, err := ep.ReceiveContext(ctx, receiveWindow)
		if errors.Is(err, endpoint.ErrTimeoutExceeded) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, endpoint.ErrClosed) {
				s.logger.Errorf("LwM2M server receive error: %v", err)
			}
			return
		}
		s.handlePacket(ctx, ep, p)
	}
}

func (s *ServerInput) handlePacket(ctx context.Context, ep *endpoint.Endpoint, p *packet.Packet) {
	tr, violation := s.tracker.OnPacket(p)

	switch {
	case violation != nil:
		s.logger.Warnf("Rejecting %s: %v", p, violation)
		s.reply(ep, packet.NewResponse(p, codes.BadRequest), p)
	case tr != registration.TransitionNone:
		s.reply(ep, s.tracker.Response(p, tr), p)
		if tr != registration.TransitionDuplicate {
			s.metrics.RecordRegistrationEvent(tr.String())
			s.logger.Infof("Device %s at %s", tr, s.tracker.Location())
		}
	case !p.IsRequest() && p.IsConfirmable() && s.config.AckNotifications:
		s.reply(ep, packet.NewEmptyAck(p), p)
	}

	if tr == registration.TransitionDuplicate {
		return
	}

	msg, err := s.converter.PacketToMessage(p)
	if err != nil {
		s.logger.Errorf("Failed to convert %s: %v", p, err)
		return
	}
	if tr != registration.TransitionNone {
		msg.MetaSet("lwm2m_event", tr.String())
		msg.MetaSet("lwm2m_location", s.tracker.Location())
	}
	if violation != nil {
		msg.MetaSet("lwm2m_violation", violation.Error())
	}

	select {
	case s.msgChan <- msg:
	case <-ctx.Done():
	}
}

func (s *ServerInput) reply(ep *endpoint.Endpoint, resp, req *packet.Packet) {
	if resp == nil {
		return
	}
	if err := ep.Send(resp, req.Remote); err != nil {
		s.logger.Errorf("Failed to answer %s: %v", req, err)
	}
}

func (s *ServerInput) Read(ctx context.Context) (*service.Message, service.AckFunc, error) {
	select {
	case msg := <-s.msgChan:
		return msg, func(ctx context.Context, err error) error {
			if err != nil {
				s.logger.Warnf("Message processing failed: %v", err)
			}
			return nil
		}, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.closeChan:
		return nil, nil, service.ErrEndOfInput
	}
}

func (s *ServerInput) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closeChan)

		s.mu.Lock()
		ep := s.endpoint
		s.mu.Unlock()
		if ep != nil {
			ep.Close()
		}

		s.wg.Wait()
		s.logger.Info("LwM2M server input closed")
	})

	return nil
}

// Configuration parsing helpers

func parseServerConfig(conf *service.ParsedConfig) (ServerConfig, error) {
	var config ServerConfig
	var err error

	if config.ListenAddress, err = conf.FieldString("listen_address"); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse listen_address: %w", err)
	}
	if config.Protocol, err = conf.FieldString("protocol"); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse protocol: %w", err)
	}
	if config.Location, err = conf.FieldString("location"); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse location: %w", err)
	}
	if config.SSID, err = conf.FieldInt("ssid"); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse ssid: %w", err)
	}
	if config.BufferSize, err = conf.FieldInt("buffer_size"); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse buffer_size: %w", err)
	}
	if config.BufferSize <= 0 {
		return ServerConfig{}, fmt.Errorf("buffer_size must be positive, got: %d", config.BufferSize)
	}
	if config.AckNotifications, err = conf.FieldBool("ack_notifications"); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse ack_notifications: %w", err)
	}

	if config.Security, err = parseSecurityConfig(conf); err != nil {
		return ServerConfig{}, err
	}
	if config.ConverterConfig, err = parseConverterConfig(conf); err != nil {
		return ServerConfig{}, err
	}

	return config, nil
}

func parseSecurityConfig(conf *service.ParsedConfig) (endpoint.Security, error) {
	mode, err := conf.FieldString("security", "mode")
	if err != nil {
		return endpoint.Security{}, fmt.Errorf("failed to parse security mode: %w", err)
	}

	config := endpoint.Security{Mode: mode}

	switch mode {
	case "psk":
		if config.PSKIdentity, err = conf.FieldString("security", "psk_identity"); err != nil {
			return endpoint.Security{}, fmt.Errorf("failed to parse psk_identity: %w", err)
		}
		if config.PSKKey, err = conf.FieldString("security", "psk_key"); err != nil {
			return endpoint.Security{}, fmt.Errorf("failed to parse psk_key: %w", err)
		}
	case "certificate":
		if config.CertFile, err = conf.FieldString("security", "cert_file"); err != nil {
			return endpoint.Security{}, fmt.Errorf("failed to parse cert_file: %w", err)
		}
		if config.KeyFile, err = conf.FieldString("security", "key_file"); err != nil {
			return endpoint.Security{}, fmt.Errorf("failed to parse key_file: %w", err)
		}
		if conf.Contains("security", "ca_cert_file") {
			if config.CACertFile, err = conf.FieldString("security", "ca_cert_file"); err != nil {
				return endpoint.Security{}, fmt.Errorf("failed to parse ca_cert_file: %w", err)
			}
		}
	}

	return config, nil
}

func parseConverterConfig(conf *service.ParsedConfig) (converter.Config, error) {
	decode, err := conf.FieldBool("converter", "decode_payloads")
	if err != nil {
		return converter.Config{}, fmt.Errorf("failed to parse decode_payloads: %w", err)
	}

	maxPayloadSize, err := conf.FieldInt("converter", "max_payload_size")
	if err != nil {
		return converter.Config{}, fmt.Errorf("failed to parse max_payload_size: %w", err)
	}

	preserveOptions, err := conf.FieldBool("converter", "preserve_options")
	if err != nil {
		return converter.Config{}, fmt.Errorf("failed to parse preserve_options: %w", err)
	}

	return converter.Config{
		DecodePayloads:  decode,
		MaxPayloadSize:  maxPayloadSize,
		PreserveOptions: preserveOptions,
	}, nil
}
