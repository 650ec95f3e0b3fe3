// Package harness composes simulated servers, a device under test and the
// data-model driver into runnable conformance scenarios.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/lwm2m-harness/pkg/access"
	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/dm"
	"github.com/twinfer/lwm2m-harness/pkg/dut"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/registration"
	"github.com/twinfer/lwm2m-harness/pkg/trace"
)

// Launcher starts the device pointed at the given server URIs.
type Launcher func(ctx context.Context, serverURIs []string) (dut.Controller, error)

// ProcessLauncher launches cfg as a child process.
func ProcessLauncher(cfg dut.Config, logger *service.Logger) Launcher {
	return func(ctx context.Context, serverURIs []string) (dut.Controller, error) {
		return dut.Launch(ctx, cfg, serverURIs, logger)
	}
}

// Timeouts bounds every wait the runner does on behalf of a scenario.
type Timeouts struct {
	Register   time.Duration
	Deregister time.Duration
	Response   time.Duration
	Exit       time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Register <= 0 {
		t.Register = 5 * time.Second
	}
	if t.Deregister <= 0 {
		t.Deregister = 5 * time.Second
	}
	if t.Response <= 0 {
		t.Response = dm.DefaultTimeout
	}
	if t.Exit <= 0 {
		t.Exit = 5 * time.Second
	}
	return t
}

type Options struct {
	Bind      string
	Protocol  string
	Security  endpoint.Security
	QueueSize int
	Launcher  Launcher
	Timeouts  Timeouts
	TimeUnit  time.Duration
	Tracer    trace.Tracer
	Metrics   metrics.Recorder
	Logger    *service.Logger
}

// Scenario is one conformance test.
type Scenario struct {
	Name        string
	Description string
	Servers     int

	// Locations pins the registration path handed to each server; missing
	// or empty entries are generated.
	Locations []string

	// SkipRegistration leaves the initial registrations to Body.
	SkipRegistration bool

	Body func(ctx context.Context, env *Env) error

	// Teardown replaces the default shutdown step. Endpoints are closed and
	// the device is terminated regardless.
	Teardown func(ctx context.Context, env *Env) error
}

// Env is what a scenario body works with.
type Env struct {
	RunID    string
	Servers  []*Server
	DUT      dut.Controller
	Registry *attributes.Registry
	Access   *access.Table
	Model    attributes.Model
	Timeouts Timeouts
	Logger   *service.Logger
	Metrics  metrics.Recorder
}

// Server returns the server at index i.
func (e *Env) Server(i int) *Server {
	return e.Servers[i]
}

func (e *Env) URIs() []string {
	uris := make([]string, len(e.Servers))
	for i, s := range e.Servers {
		uris[i] = s.URI()
	}
	return uris
}

// OpenServer binds one more endpoint with the next SSID. The caller owns it
// until it is handed to the device; it is closed with the rest at teardown.
func (e *Env) OpenServer(open func(ssid int) (*endpoint.Endpoint, error)) (*Server, error) {
	ep, err := open(len(e.Servers) + 1)
	if err != nil {
		return nil, err
	}
	srv := e.newServer(ep)
	e.Servers = append(e.Servers, srv)
	return srv, nil
}

func (e *Env) newServer(ep *endpoint.Endpoint) *Server {
	return NewServer(ep, e.Logger, e.Metrics,
		dm.WithTimeout(e.Timeouts.Response),
		dm.WithRegistry(e.Registry),
		dm.WithAccessTable(e.Access))
}

type Runner struct {
	opts   Options
	logger *service.Logger
}

func NewRunner(opts Options) *Runner {
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1:0"
	}
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	if opts.TimeUnit <= 0 {
		opts.TimeUnit = time.Second
	}
	opts.Timeouts = opts.Timeouts.withDefaults()
	return &Runner{opts: opts, logger: opts.Logger}
}

// Open binds an endpoint with the runner's transport settings.
func (r *Runner) Open(ssid int, tracer trace.Tracer) (*endpoint.Endpoint, error) {
	opts := []endpoint.Option{
		endpoint.WithProtocol(r.opts.Protocol),
		endpoint.WithSecurity(r.opts.Security),
		endpoint.WithSSID(ssid),
		endpoint.WithLogger(r.logger),
		endpoint.WithTracer(tracer),
		endpoint.WithMetrics(r.opts.Metrics),
	}
	if r.opts.QueueSize > 0 {
		opts = append(opts, endpoint.WithQueueSize(r.opts.QueueSize))
	}
	return endpoint.Open(r.opts.Bind, opts...)
}

// Run executes one scenario. Teardown always runs; a teardown failure only
// fails a scenario whose body passed.
func (r *Runner) Run(ctx context.Context, sc Scenario) Result {
	runID := uuid.NewString()
	timer := metrics.StartTimer(sc.Name)
	logger := r.logger.With("scenario", sc.Name, "run_id", runID)
	tracer := trace.WithRunID(r.opts.Tracer, runID)

	env := &Env{
		RunID:    runID,
		Registry: attributes.NewRegistry(),
		Access:   access.NewTable(),
		Timeouts: r.opts.Timeouts,
		Logger:   logger,
		Metrics:  r.opts.Metrics,
	}
	env.Model = attributes.Model{TimeUnit: r.opts.TimeUnit, Access: env.Access}

	logger.Infof("Running scenario %s", sc.Name)

	err := r.setup(ctx, sc, env, tracer)
	if err == nil {
		err = r.body(ctx, sc, env)
	}
	if terr := r.teardown(ctx, sc, env, err == nil); terr != nil {
		if err == nil {
			err = terr
		} else {
			logger.Warnf("Teardown after failure: %v", terr)
		}
	}

	timer.StopScenario(r.opts.Metrics, err)
	res := Result{
		ID:       runID,
		Name:     sc.Name,
		Status:   StatusPassed,
		Duration: timer.Duration(),
		Err:      err,
		Category: Category(err),
	}
	if err != nil {
		res.Status = StatusFailed
		logger.Errorf("Scenario %s failed (%s): %v", sc.Name, res.Category, err)
	} else {
		logger.Infof("Scenario %s passed in %s", sc.Name, res.Duration.Round(time.Millisecond))
	}
	return res
}

func (r *Runner) setup(ctx context.Context, sc Scenario, env *Env, tracer trace.Tracer) error {
	if r.opts.Launcher == nil {
		return ErrNoLauncher
	}
	n := sc.Servers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if _, err := env.OpenServer(func(ssid int) (*endpoint.Endpoint, error) {
			return r.Open(ssid, tracer)
		}); err != nil {
			return err
		}
	}

	controller, err := r.opts.Launcher(ctx, env.URIs())
	if err != nil {
		return fmt.Errorf("failed to launch device: %w", err)
	}
	env.DUT = controller

	if sc.SkipRegistration {
		return nil
	}
	for i, srv := range env.Servers {
		loc := ""
		if i < len(sc.Locations) {
			loc = sc.Locations[i]
		}
		if _, err := srv.AssertRegistered(ctx, loc, env.Timeouts.Register); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) body(ctx context.Context, sc Scenario, env *Env) (err error) {
	if sc.Body == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrScenarioPanic, p)
		}
	}()
	return sc.Body(ctx, env)
}

func (r *Runner) teardown(ctx context.Context, sc Scenario, env *Env, bodyPassed bool) error {
	var errs []error

	if env.DUT != nil {
		if sc.Teardown != nil {
			errs = append(errs, sc.Teardown(ctx, env))
		} else {
			errs = append(errs, DefaultTeardown(ctx, env, bodyPassed))
		}
	}

	for _, srv := range env.Servers {
		if err := srv.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if env.DUT != nil {
		if err := env.DUT.Wait(env.Timeouts.Exit); err != nil && !errors.Is(err, dut.ErrNotRunning) {
			env.Logger.Warnf("Device did not exit in %s, terminating: %v", env.Timeouts.Exit, err)
		}
		errs = append(errs, env.DUT.Terminate())
	}
	return errors.Join(errs...)
}

// DefaultTeardown asks a running device to shut down and, when
// checkDeregister is set, expects a De-register on every server it is still
// registered with.
func DefaultTeardown(ctx context.Context, env *Env, checkDeregister bool) error {
	if env.DUT.Alive() {
		if err := env.DUT.RequestShutdown(); err != nil && !errors.Is(err, dut.ErrNotRunning) {
			return err
		}
	}
	if !checkDeregister {
		return nil
	}
	for _, srv := range env.Servers {
		if srv.Tracker().State() != registration.Registered {
			continue
		}
		if err := srv.AssertDeregistered(ctx, "", env.Timeouts.Deregister); err != nil {
			return err
		}
	}
	return nil
}
