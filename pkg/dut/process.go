// Package dut launches the device under test and talks to it over its
// line-oriented control channel.
package dut

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
)

var (
	ErrNotRunning       = errors.New("device process not running")
	ErrStillRunning     = errors.New("device process still running")
	ErrNoMatchingOutput = errors.New("no matching output from device")
)

// Controller is what scenarios need from a device: the control channel and
// lifecycle. Process implements it for real binaries.
type Controller interface {
	Communicate(ctx context.Context, line string, expect *regexp.Regexp) error
	RequestShutdown() error
	Wait(timeout time.Duration) error
	Terminate() error
	Alive() bool
}

// Config describes how to start the device.
type Config struct {
	Binary string
	Args   []string

	// ServerArgs is repeated once per server; "{uri}" and "{ssid}" are
	// substituted.
	ServerArgs []string

	// ShutdownCommand is written to stdin to stop the device. Empty means
	// SIGINT.
	ShutdownCommand string

	CommandTimeout time.Duration
	TerminateGrace time.Duration

	// OutputDelay bounds how long output is still collected after the
	// device exits, e.g. while a child it spawned holds stdout open.
	OutputDelay time.Duration

	Dir string
	Env []string
}

func (c Config) withDefaults() Config {
	if len(c.ServerArgs) == 0 {
		c.ServerArgs = []string{"--server-uri", "{uri}"}
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = 2 * time.Second
	}
	if c.OutputDelay <= 0 {
		c.OutputDelay = time.Second
	}
	return c
}

// BuildArgs renders the command line for the given server URIs. SSIDs
// follow list position starting at 1.
func (c Config) BuildArgs(serverURIs []string) []string {
	c = c.withDefaults()
	args := append([]string(nil), c.Args...)
	for i, uri := range serverURIs {
		r := strings.NewReplacer("{uri}", uri, "{ssid}", strconv.Itoa(i+1))
		for _, a := range c.ServerArgs {
			args = append(args, r.Replace(a))
		}
	}
	return args
}

type command struct {
	ctx    context.Context
	line   string
	expect *regexp.Regexp
	result chan error
}

// Process is a running device binary.
type Process struct {
	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *service.Logger

	output   chan string
	commands chan command
	exited   chan struct{}
	stop     chan struct{}
	waitErr  error

	stopOnce sync.Once
	readers  sync.WaitGroup
}

// Launch starts the device with one server argument group per URI.
func Launch(ctx context.Context, cfg Config, serverURIs []string, logger *service.Logger) (*Process, error) {
	cfg = cfg.withDefaults()
	if cfg.Binary == "" {
		return nil, errors.New("device binary not configured")
	}
	if logger == nil {
		logger = service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}

	cmd := exec.Command(cfg.Binary, cfg.BuildArgs(serverURIs)...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// Wait copies output into these and gives up OutputDelay after exit.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = cfg.OutputDelay

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Binary, err)
	}

	p := &Process{
		cfg:      cfg,
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger.With("pid", cmd.Process.Pid),
		output:   make(chan string, 256),
		commands: make(chan command),
		exited:   make(chan struct{}),
		stop:     make(chan struct{}),
	}

	p.readers.Add(2)
	go p.scan(stdout, "stdout")
	go p.scan(stderr, "stderr")
	go p.wait(stdoutW, stderrW)
	go p.serve()

	p.logger.Infof("Started %s %s", cfg.Binary, strings.Join(cmd.Args[1:], " "))
	return p, nil
}

func (p *Process) scan(r io.Reader, stream string) {
	defer p.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debugf("[%s] %s", stream, line)
		select {
		case p.output <- line:
		default:
			// Nobody is waiting for output; drop rather than stall the device.
		}
	}
}

func (p *Process) wait(outputs ...io.Closer) {
	err := p.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		p.logger.Warnf("Device exited but its output stayed open for %s", p.cfg.OutputDelay)
		err = nil
	}
	for _, c := range outputs {
		c.Close()
	}
	p.readers.Wait()
	p.waitErr = err
	close(p.exited)
	p.logger.Infof("Device exited: %v", p.waitErr)
}

// serve executes control commands one at a time.
func (p *Process) serve() {
	for {
		select {
		case cmd := <-p.commands:
			cmd.result <- p.execute(cmd)
		case <-p.stop:
			return
		}
	}
}

func (p *Process) execute(cmd command) error {
	if cmd.expect != nil {
		p.drainOutput()
	}
	if _, err := io.WriteString(p.stdin, cmd.line+"\n"); err != nil {
		return fmt.Errorf("failed to write %q: %w", cmd.line, err)
	}
	p.logger.Debugf("Sent command %q", cmd.line)
	if cmd.expect == nil {
		return nil
	}

	timer := time.NewTimer(p.cfg.CommandTimeout)
	defer timer.Stop()
	for {
		select {
		case line := <-p.output:
			if cmd.expect.MatchString(line) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("%w: %q after %q", ErrNoMatchingOutput, cmd.expect, cmd.line)
		case <-cmd.ctx.Done():
			return cmd.ctx.Err()
		case <-p.exited:
			return fmt.Errorf("%w while waiting for %q", ErrNotRunning, cmd.expect)
		}
	}
}

func (p *Process) drainOutput() {
	for {
		select {
		case <-p.output:
		default:
			return
		}
	}
}

// Communicate writes one line to the device's stdin. With expect set it
// waits for a matching output line. Calls are serialized.
func (p *Process) Communicate(ctx context.Context, line string, expect *regexp.Regexp) error {
	if !p.Alive() {
		return ErrNotRunning
	}
	cmd := command{ctx: ctx, line: line, expect: expect, result: make(chan error, 1)}
	select {
	case p.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.exited:
		return ErrNotRunning
	case <-p.stop:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestShutdown asks the device to exit cleanly so it deregisters.
func (p *Process) RequestShutdown() error {
	if !p.Alive() {
		return ErrNotRunning
	}
	if p.cfg.ShutdownCommand != "" {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
		defer cancel()
		return p.Communicate(ctx, p.cfg.ShutdownCommand, nil)
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

// Wait blocks until the device exits or timeout elapses.
func (p *Process) Wait(timeout time.Duration) error {
	select {
	case <-p.exited:
		return nil
	case <-time.After(timeout):
		return ErrStillRunning
	}
}

// Terminate stops the device: SIGTERM, then SIGKILL after the grace period.
// It is safe to call more than once.
func (p *Process) Terminate() error {
	defer p.stopOnce.Do(func() {
		close(p.stop)
		p.stdin.Close()
	})

	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Signal(terminateSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warnf("Failed to signal device: %v", err)
	}
	if p.Wait(p.cfg.TerminateGrace) == nil {
		return nil
	}
	p.logger.Warnf("Device ignored termination for %s, killing", p.cfg.TerminateGrace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.exited
	return nil
}

func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// ExitCode is -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	if p.Alive() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

var _ Controller = (*Process)(nil)
