// pkg/endpoint/transport_factory.go
package endpoint

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/pion/dtls/v3"
)

// Transport is the datagram socket underneath an Endpoint.
type Transport interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Security holds the DTLS credentials used by the udp-dtls transport.
type Security struct {
	Mode        string // "none", "psk" or "certificate"
	PSKIdentity string
	PSKKey      string
	CertFile    string
	KeyFile     string
	CACertFile  string
}

type TransportFactory interface {
	Listen(bind string, security Security) (Transport, error)
	Protocol() string
	Scheme() string
}

// UDP Factory
type UDPFactory struct{}

func (f *UDPFactory) Protocol() string {
	return "udp"
}

func (f *UDPFactory) Scheme() string {
	return "coap"
}

func (f *UDPFactory) Listen(bind string, _ Security) (Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

// DTLS Factory
type DTLSFactory struct{}

func (f *DTLSFactory) Protocol() string {
	return "udp-dtls"
}

func (f *DTLSFactory) Scheme() string {
	return "coaps"
}

func (f *DTLSFactory) Listen(bind string, security Security) (Transport, error) {
	config, err := f.createDTLSConfig(security)
	if err != nil {
		return nil, fmt.Errorf("failed to create DTLS config: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, err
	}
	listener, err := dtls.Listen("udp", addr, config)
	if err != nil {
		return nil, err
	}
	return newDTLSTransport(listener), nil
}

func (f *DTLSFactory) createDTLSConfig(security Security) (*dtls.Config, error) {
	config := &dtls.Config{}

	switch security.Mode {
	case "psk":
		if security.PSKKey == "" || security.PSKIdentity == "" {
			return nil, fmt.Errorf("PSK mode requires both psk_key and psk_identity")
		}

		// On the server side the callback receives the client's identity.
		config.PSK = func(identity []byte) ([]byte, error) {
			if string(identity) != security.PSKIdentity {
				return nil, fmt.Errorf("unknown PSK identity %q", identity)
			}
			return []byte(security.PSKKey), nil
		}
		config.PSKIdentityHint = []byte(security.PSKIdentity)
		config.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_CCM,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
			dtls.TLS_PSK_WITH_AES_256_CCM_8,
		}

	case "certificate":
		if security.CertFile == "" || security.KeyFile == "" {
			return nil, fmt.Errorf("certificate mode requires both cert_file and key_file")
		}

		cert, err := tls.LoadX509KeyPair(security.CertFile, security.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate pair: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}

		if security.CACertFile != "" {
			caCertPEM, err := os.ReadFile(security.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}

			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCertPEM) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			config.ClientCAs = caCertPool
			config.ClientAuth = dtls.RequireAndVerifyClientCert
		}

	default:
		return nil, fmt.Errorf("unsupported security mode for DTLS: %s", security.Mode)
	}

	return config, nil
}

// CreateFactory returns the transport factory for a protocol name.
func CreateFactory(protocol string) (TransportFactory, error) {
	switch protocol {
	case "", "udp":
		return &UDPFactory{}, nil
	case "udp-dtls":
		return &DTLSFactory{}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

type datagram struct {
	data []byte
	addr net.Addr
}

// dtlsTransport turns the connection-oriented DTLS listener into a
// datagram socket keyed by peer address.
type dtlsTransport struct {
	listener  net.Listener
	datagrams chan datagram
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	conns map[string]net.Conn
}

func newDTLSTransport(listener net.Listener) *dtlsTransport {
	t := &dtlsTransport{
		listener:  listener,
		datagrams: make(chan datagram, 64),
		done:      make(chan struct{}),
		conns:     make(map[string]net.Conn),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t
}

func (t *dtlsTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		t.conns[conn.RemoteAddr().String()] = conn
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *dtlsTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn.RemoteAddr().String())
		t.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		d := datagram{data: append([]byte(nil), buf[:n]...), addr: conn.RemoteAddr()}
		select {
		case t.datagrams <- d:
		case <-t.done:
			return
		}
	}
}

func (t *dtlsTransport) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-t.datagrams:
		return copy(p, d.data), d.addr, nil
	case <-t.done:
		return 0, nil, net.ErrClosed
	}
}

func (t *dtlsTransport) WriteTo(p []byte, addr net.Addr) (int, error) {
	t.mu.Lock()
	conn, ok := t.conns[addr.String()]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no DTLS session with %s", addr)
	}
	return conn.Write(p)
}

func (t *dtlsTransport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

func (t *dtlsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.listener.Close()

		t.mu.Lock()
		for _, conn := range t.conns {
			conn.Close()
		}
		t.mu.Unlock()

		t.wg.Wait()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
