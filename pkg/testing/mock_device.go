// pkg/testing/mock_device.go
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/lwm2m-harness/pkg/access"
	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/dut"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
	"github.com/twinfer/lwm2m-harness/pkg/utils"
)

// Test object served by the mock device.
const (
	TestObjectID    uint16 = 1337
	ResTimestamp    uint16 = 0
	ResCounter      uint16 = 1
	ResIncrement    uint16 = 2
	ResEmptyHandler uint16 = 5
)

const (
	DefaultShutdown = "shutdown"
	defaultEndpoint = "urn:dev:os:lwm2m-harness-mock"
	maxDatagramSize = 1500
)

// MockDeviceConfig tunes the mock LwM2M client.
type MockDeviceConfig struct {
	EndpointName string
	Lifetime     int
	Binding      string
	Version      string

	// TimeUnit scales pmin/pmax like the harness model does.
	TimeUnit time.Duration
	// NotifyTick is how often observations are re-evaluated.
	NotifyTick time.Duration

	// RetransmitTimeout is the wait after the first transmission; it
	// doubles on every retransmission.
	RetransmitTimeout time.Duration
	MaxRetransmit     int

	// UpdateInterval sends a registration Update on every active server
	// when positive.
	UpdateInterval time.Duration

	ShutdownCommand string

	// SkipDeregister makes shutdown and trim-servers drop servers silently.
	SkipDeregister bool
	// IgnoreAccess turns off access control checks.
	IgnoreAccess bool

	Logger *service.Logger
}

func (c MockDeviceConfig) withDefaults() MockDeviceConfig {
	if c.EndpointName == "" {
		c.EndpointName = defaultEndpoint
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 86400
	}
	if c.Binding == "" {
		c.Binding = "U"
	}
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.TimeUnit <= 0 {
		c.TimeUnit = time.Second
	}
	if c.NotifyTick <= 0 {
		c.NotifyTick = 10 * time.Millisecond
	}
	if c.RetransmitTimeout <= 0 {
		c.RetransmitTimeout = 2 * time.Second
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = 4
	}
	if c.ShutdownCommand == "" {
		c.ShutdownCommand = DefaultShutdown
	}
	if c.Logger == nil {
		c.Logger = service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	return c
}

// MockDevice is an in-process LwM2M client. It registers with every server
// it is launched with, serves a small data model and obeys the same control
// commands as a real device binary.
type MockDevice struct {
	cfg      MockDeviceConfig
	logger   *service.Logger
	model    attributes.Model
	registry *attributes.Registry
	acl      *access.Table

	mu         sync.Mutex
	servers    []*mockServerConn
	nextSSID   uint16
	objects    map[uint16]map[uint16]*mockInstance
	aclOwners  map[uint16]*mockACL
	nextACL    uint16
	observeSeq uint32
	launched   bool

	cmdMu  sync.Mutex
	output []string

	stop     chan struct{}
	exited   chan struct{}
	exitOnce sync.Once
	wg       sync.WaitGroup
}

type mockInstance struct {
	resources map[uint16][]byte
}

// mockACL is one Access Control object instance; its ACL entries live in
// the device's access table.
type mockACL struct {
	oid, iid uint16
	owner    uint16
}

func NewMockDevice(cfg MockDeviceConfig) *MockDevice {
	cfg = cfg.withDefaults()
	d := &MockDevice{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "mock_device"),
		registry:  attributes.NewRegistry(),
		acl:       access.NewTable(),
		objects:   make(map[uint16]map[uint16]*mockInstance),
		aclOwners: make(map[uint16]*mockACL),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	d.model = attributes.Model{TimeUnit: cfg.TimeUnit, Access: d.acl}
	d.objects[3] = map[uint16]*mockInstance{
		0: {resources: map[uint16][]byte{
			0: []byte("lwm2m-harness"),
			1: []byte("mock"),
		}},
	}
	d.objects[TestObjectID] = make(map[uint16]*mockInstance)
	return d
}

// Launch starts the device against serverURIs. It matches the harness
// launcher signature so a MockDevice can stand in for a real binary.
func (d *MockDevice) Launch(ctx context.Context, serverURIs []string) (dut.Controller, error) {
	d.mu.Lock()
	if d.launched {
		d.mu.Unlock()
		return nil, errors.New("mock device already launched")
	}
	d.launched = true
	d.mu.Unlock()

	for _, uri := range serverURIs {
		if _, err := d.addServer(uri); err != nil {
			d.exit()
			return nil, err
		}
	}

	d.wg.Add(1)
	go d.notifyLoop()
	if d.cfg.UpdateInterval > 0 {
		d.wg.Add(1)
		go d.updateLoop()
	}
	d.logger.Infof("Mock device started with %d servers", len(serverURIs))
	return d, nil
}

func (d *MockDevice) addServer(uri string) (*mockServerConn, error) {
	raddr, err := resolveServerURI(uri)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", uri, err)
	}

	d.mu.Lock()
	d.nextSSID++
	srv := &mockServerConn{
		ssid:       d.nextSSID,
		uri:        uri,
		conn:       conn,
		pending:    make(map[string]chan *packet.Packet),
		notifyMIDs: make(map[int32]attributes.Key),
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}
	d.servers = append(d.servers, srv)
	d.mu.Unlock()

	d.wg.Add(2)
	go d.readLoop(srv)
	go func() {
		defer d.wg.Done()
		defer close(srv.registered)
		if err := d.register(srv); err != nil {
			d.logger.Warnf("Registration with %s failed: %v", uri, err)
		}
	}()
	return srv, nil
}

func resolveServerURI(uri string) (*net.UDPAddr, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid server uri %q: %w", uri, err)
	}
	if u.Scheme != "coap" {
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, uri)
	}
	return net.ResolveUDPAddr("udp", u.Host)
}

// Communicate executes one control command. Commands are serialized.
func (d *MockDevice) Communicate(ctx context.Context, line string, expect *regexp.Regexp) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	if !d.Alive() {
		return dut.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	before := len(d.output)
	if err := d.execute(strings.TrimSpace(line)); err != nil {
		return err
	}
	if expect == nil {
		return nil
	}
	for _, out := range d.output[before:] {
		if expect.MatchString(out) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", dut.ErrNoMatchingOutput, expect)
}

func (d *MockDevice) execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch {
	case line == d.cfg.ShutdownCommand:
		d.print("shutting down")
		go d.shutdown()
		return nil
	case fields[0] == "trim-servers" && len(fields) == 2:
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid server count %q", fields[1])
		}
		d.trimServers(n)
		d.print(fmt.Sprintf("servers trimmed to %d", n))
		return nil
	case fields[0] == "add-server" && len(fields) == 2:
		if _, err := d.addServer(fields[1]); err != nil {
			return err
		}
		d.print("server added: " + fields[1])
		return nil
	default:
		d.print("unknown command: " + line)
		return fmt.Errorf("unknown command %q", line)
	}
}

func (d *MockDevice) print(line string) {
	d.output = append(d.output, line)
	d.logger.Debugf("device: %s", line)
}

// Output returns every line the device printed in response to commands.
func (d *MockDevice) Output() []string {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return append([]string(nil), d.output...)
}

func (d *MockDevice) trimServers(n int) {
	d.mu.Lock()
	if n >= len(d.servers) {
		d.mu.Unlock()
		return
	}
	dropped := d.servers[n:]
	d.servers = append([]*mockServerConn(nil), d.servers[:n]...)
	d.mu.Unlock()

	for _, srv := range dropped {
		d.wg.Add(1)
		go func(srv *mockServerConn) {
			defer d.wg.Done()
			d.leave(srv)
		}(srv)
	}
}

// leave deregisters from srv when registered and closes the socket. An
// in-flight registration is allowed to finish first, so a server dropped
// right after being added still sees its De-register.
func (d *MockDevice) leave(srv *mockServerConn) {
	defer srv.close()
	if d.cfg.SkipDeregister {
		return
	}
	select {
	case <-srv.registered:
	case <-time.After(utils.TotalWait(d.cfg.MaxRetransmit, d.backoff())):
		d.logger.Warnf("Registration with %s still pending, leaving without De-register", srv.uri)
		return
	}
	if err := d.deregister(srv); err != nil {
		d.logger.Warnf("De-register from %s failed: %v", srv.uri, err)
	}
}

// RequestShutdown deregisters from every server in the background and then
// exits.
func (d *MockDevice) RequestShutdown() error {
	if !d.Alive() {
		return dut.ErrNotRunning
	}
	go d.shutdown()
	return nil
}

func (d *MockDevice) shutdown() {
	d.mu.Lock()
	servers := d.servers
	d.servers = nil
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *mockServerConn) {
			defer wg.Done()
			d.leave(srv)
		}(srv)
	}
	wg.Wait()
	d.exit()
}

func (d *MockDevice) exit() {
	d.exitOnce.Do(func() {
		close(d.stop)
		d.mu.Lock()
		servers := d.servers
		d.servers = nil
		d.mu.Unlock()
		for _, srv := range servers {
			srv.close()
		}
		close(d.exited)
	})
}

func (d *MockDevice) Wait(timeout time.Duration) error {
	select {
	case <-d.exited:
		return nil
	case <-time.After(timeout):
		return dut.ErrStillRunning
	}
}

// Terminate exits immediately without deregistering.
func (d *MockDevice) Terminate() error {
	d.exit()
	d.wg.Wait()
	return nil
}

func (d *MockDevice) Alive() bool {
	d.mu.Lock()
	launched := d.launched
	d.mu.Unlock()
	if !launched {
		return false
	}
	select {
	case <-d.exited:
		return false
	default:
		return true
	}
}

// Location returns the registration path the device holds with the server
// at index i of its active list.
func (d *MockDevice) Location(i int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.servers) {
		return "", false
	}
	srv := d.servers[i]
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.location, srv.location != ""
}

// ServerCount is the number of active servers.
func (d *MockDevice) ServerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.servers)
}

// SetValue changes a resource as if the device updated it locally.
func (d *MockDevice) SetValue(oid, iid, rid uint16, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst := d.instanceLocked(oid, iid, true)
	inst.resources[rid] = append([]byte(nil), value...)
}

func (d *MockDevice) Value(oid, iid, rid uint16) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst := d.instanceLocked(oid, iid, false)
	if inst == nil {
		return nil, false
	}
	v, ok := inst.resources[rid]
	return append([]byte(nil), v...), ok
}

func (d *MockDevice) instanceLocked(oid, iid uint16, create bool) *mockInstance {
	obj, ok := d.objects[oid]
	if !ok {
		if !create {
			return nil
		}
		obj = make(map[uint16]*mockInstance)
		d.objects[oid] = obj
	}
	inst, ok := obj[iid]
	if !ok && create {
		inst = &mockInstance{resources: make(map[uint16][]byte)}
		obj[iid] = inst
	}
	return inst
}

var _ dut.Controller = (*MockDevice)(nil)

// mockServerConn is the device's socket towards one server.
type mockServerConn struct {
	ssid uint16
	uri  string
	conn *net.UDPConn

	mu         sync.Mutex
	location   string
	pending    map[string]chan *packet.Packet
	notifyMIDs map[int32]attributes.Key

	// registered is closed once the initial registration has completed or
	// failed.
	registered chan struct{}
	closeOnce  sync.Once
	done       chan struct{}
}

func (s *mockServerConn) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *mockServerConn) send(p *packet.Packet) error {
	raw, err := packet.Encode(p)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(raw)
	return err
}

func (d *MockDevice) readLoop(srv *mockServerConn) {
	defer d.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := srv.conn.Read(buf)
		if err != nil {
			select {
			case <-srv.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here once the server socket
			// is gone.
			continue
		}
		p, err := packet.Decode(buf[:n], srv.conn.RemoteAddr())
		if err != nil {
			d.logger.Debugf("Dropping undecodable datagram: %v", err)
			continue
		}
		d.dispatch(srv, p)
	}
}

func (d *MockDevice) dispatch(srv *mockServerConn, p *packet.Packet) {
	switch {
	case p.Type() == message.Reset:
		srv.mu.Lock()
		key, ok := srv.notifyMIDs[p.MessageID()]
		srv.mu.Unlock()
		if ok {
			d.registry.Cancel(key)
		}
	case p.IsRequest():
		resp := d.handleRequest(srv, p)
		if err := srv.send(resp); err != nil {
			d.logger.Debugf("Failed to answer %s: %v", p, err)
		}
	case p.IsResponse():
		srv.mu.Lock()
		ch, ok := srv.pending[string(p.Token())]
		srv.mu.Unlock()
		if ok {
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// exchange sends a confirmable request and waits for its response,
// retransmitting with the same message id.
func (d *MockDevice) exchange(srv *mockServerConn, req *packet.Packet) (*packet.Packet, error) {
	ch := make(chan *packet.Packet, 1)
	key := string(req.Token())
	srv.mu.Lock()
	srv.pending[key] = ch
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.pending, key)
		srv.mu.Unlock()
	}()

	for attempt := 0; attempt <= d.cfg.MaxRetransmit; attempt++ {
		if err := srv.send(req); err != nil {
			return nil, err
		}
		select {
		case resp := <-ch:
			return resp, nil
		case <-srv.done:
			return nil, net.ErrClosed
		case <-d.stop:
			return nil, net.ErrClosed
		case <-time.After(utils.CalculateBackoff(attempt, d.backoff())):
		}
	}
	return nil, fmt.Errorf("no response to %s after %d attempts", req, d.cfg.MaxRetransmit+1)
}

// backoff doubles the wait after every retransmission, as a CoAP client
// does for confirmable requests.
func (d *MockDevice) backoff() utils.BackoffConfig {
	return utils.BackoffConfig{
		InitialInterval: d.cfg.RetransmitTimeout,
		MaxInterval:     16 * d.cfg.RetransmitTimeout,
		Multiplier:      2,
	}
}

func (d *MockDevice) register(srv *mockServerConn) error {
	req, err := packet.NewRequest(codes.POST, "/rd",
		packet.WithQuery(
			"ep="+d.cfg.EndpointName,
			"lt="+strconv.Itoa(d.cfg.Lifetime),
			"lwm2m="+d.cfg.Version,
			"b="+d.cfg.Binding),
		packet.WithContentFormat(packet.FormatLinkFormat),
		packet.WithPayload([]byte(d.objectLinks())))
	if err != nil {
		return err
	}
	resp, err := d.exchange(srv, req)
	if err != nil {
		return err
	}
	if resp.Code() != codes.Created {
		return fmt.Errorf("register rejected with %s", resp.Code())
	}
	srv.mu.Lock()
	srv.location = resp.LocationPath()
	srv.mu.Unlock()
	d.logger.Infof("Registered with server %d at %s", srv.ssid, resp.LocationPath())
	return nil
}

func (d *MockDevice) deregister(srv *mockServerConn) error {
	srv.mu.Lock()
	loc := srv.location
	srv.mu.Unlock()
	if loc == "" {
		return nil
	}
	req, err := packet.NewRequest(codes.DELETE, loc)
	if err != nil {
		return err
	}
	resp, err := d.exchange(srv, req)
	if err != nil {
		return err
	}
	if resp.Code() != codes.Deleted {
		return fmt.Errorf("de-register rejected with %s", resp.Code())
	}
	srv.mu.Lock()
	srv.location = ""
	srv.mu.Unlock()
	d.logger.Infof("De-registered from server %d at %s", srv.ssid, loc)
	return nil
}

func (d *MockDevice) update(srv *mockServerConn) error {
	srv.mu.Lock()
	loc := srv.location
	srv.mu.Unlock()
	if loc == "" {
		return nil
	}
	req, err := packet.NewRequest(codes.POST, loc)
	if err != nil {
		return err
	}
	resp, err := d.exchange(srv, req)
	if err != nil {
		return err
	}
	if resp.Code() != codes.Changed {
		return fmt.Errorf("update rejected with %s", resp.Code())
	}
	return nil
}

func (d *MockDevice) updateLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			for _, srv := range d.activeServers() {
				if err := d.update(srv); err != nil {
					d.logger.Debugf("Update to server %d failed: %v", srv.ssid, err)
				}
			}
		}
	}
}

func (d *MockDevice) activeServers() []*mockServerConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*mockServerConn(nil), d.servers...)
}
