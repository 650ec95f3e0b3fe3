package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/twinfer/lwm2m-harness/pkg/config"
	"github.com/twinfer/lwm2m-harness/pkg/dut"
	"github.com/twinfer/lwm2m-harness/pkg/harness"
	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/scenarios"
	lwmtest "github.com/twinfer/lwm2m-harness/pkg/testing"
	"github.com/twinfer/lwm2m-harness/pkg/trace"
)

type runFlags struct {
	configFile string
	binary     string
	mock       bool
	scenarios  []string
	cborFile   string
	pcapFile   string
	format     string
	verbose    bool
	logLevel   string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios against a device",
		Long: `Run the selected scenarios (all of them by default) against the device
under test. The device is started once per scenario with one server URI per
simulated server and must register with each of them.`,
		Example: `  # Run every scenario against a client binary
  lwm2m-harness run --binary ./lwm2m-client

  # Run one scenario from a config file and keep a pcap of the traffic
  lwm2m-harness run --config harness.yaml --pcap run.pcap modify-servers

  # Exercise the harness itself against the built-in mock device
  lwm2m-harness run --mock`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.scenarios = append(flags.scenarios, args...)
			passed, err := runSuite(cmd, flags)
			if err != nil {
				return err
			}
			if !passed {
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "Harness configuration file (YAML)")
	cmd.Flags().StringVar(&flags.binary, "binary", "", "Device binary (overrides dut.binary)")
	cmd.Flags().BoolVar(&flags.mock, "mock", false, "Run against the in-process mock device")
	cmd.Flags().StringVar(&flags.cborFile, "trace", "", "Append a CBOR packet trace to this file")
	cmd.Flags().StringVar(&flags.pcapFile, "pcap", "", "Write a pcap of the exchanged packets")
	cmd.Flags().StringVar(&flags.format, "format", "", "Report format: text or json")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Include run ids in the text report")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")

	return cmd
}

func loadRunConfig(cmd *cobra.Command, flags *runFlags) (*config.HarnessConfig, error) {
	var cfg *config.HarnessConfig
	switch {
	case flags.configFile != "":
		loaded, err := config.LoadFile(flags.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case flags.mock:
		cfg = config.MockConfig()
	default:
		cfg = config.DefaultConfig()
	}

	if flags.mock {
		cfg.DUT.Mock = true
	}
	if flags.binary != "" {
		cfg.DUT.Binary = flags.binary
		cfg.DUT.Mock = false
	}
	if len(flags.scenarios) > 0 {
		cfg.Scenarios = flags.scenarios
	}
	if flags.cborFile != "" {
		cfg.Trace.CBORFile = flags.cborFile
	}
	if flags.pcapFile != "" {
		cfg.Trace.PcapFile = flags.pcapFile
	}
	if flags.format != "" {
		cfg.Report.Format = flags.format
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Report.Verbose = flags.verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSuite(cmd *cobra.Command, flags *runFlags) (bool, error) {
	cfg, err := loadRunConfig(cmd, flags)
	if err != nil {
		return false, err
	}
	selected, err := scenarios.Select(cfg.Scenarios)
	if err != nil {
		return false, err
	}
	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return false, err
	}

	tracer, closeTracers, err := openTracers(cfg.Trace)
	if err != nil {
		return false, err
	}
	defer closeTracers()

	recorder := metrics.NewCountingRecorder()

	var launcher harness.Launcher
	if cfg.DUT.Mock {
		launcher = func(ctx context.Context, uris []string) (dut.Controller, error) {
			dev := lwmtest.NewMockDevice(lwmtest.MockDeviceConfig{
				TimeUnit: cfg.TimeUnit,
				Logger:   logger,
			})
			return dev.Launch(ctx, uris)
		}
	} else {
		launcher = harness.ProcessLauncher(cfg.DUTProcess(), logger)
	}

	runner := harness.NewRunner(harness.Options{
		Bind:      cfg.Endpoint.Bind,
		Protocol:  cfg.Endpoint.Protocol,
		Security:  cfg.EndpointSecurity(),
		QueueSize: cfg.Endpoint.QueueSize,
		Launcher:  launcher,
		Timeouts: harness.Timeouts{
			Register:   cfg.Timeouts.Register,
			Deregister: cfg.Timeouts.Deregister,
			Response:   cfg.Timeouts.Response,
			Exit:       cfg.Timeouts.Exit,
		},
		TimeUnit: cfg.TimeUnit,
		Tracer:   tracer,
		Metrics:  recorder,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := harness.NewSuite("lwm2m", runner, selected...).Run(ctx)

	reporter, err := newReporter(cfg.Report, os.Stdout)
	if err != nil {
		return false, err
	}
	reporter.ReportSuite(result)

	if cfg.Report.Format == "text" {
		printTraffic(os.Stdout, recorder.Snapshot())
	}
	return result.Passed(), nil
}

func newReporter(cfg config.ReportConfig, w io.Writer) (harness.Reporter, error) {
	switch cfg.Format {
	case "text":
		return harness.NewTextReporter(w, cfg.Verbose), nil
	case "json":
		return harness.NewJSONReporter(w, true), nil
	default:
		return nil, fmt.Errorf("unknown report format %q", cfg.Format)
	}
}

func openTracers(cfg config.TraceConfig) (trace.Tracer, func(), error) {
	var tracers trace.Multi
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	if cfg.CBORFile != "" {
		t, err := trace.NewCBORFileTracer(cfg.CBORFile)
		if err != nil {
			return nil, nil, err
		}
		tracers = append(tracers, t)
		closers = append(closers, t)
	}
	if cfg.PcapFile != "" {
		t, err := trace.NewPcapTracer(cfg.PcapFile)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		tracers = append(tracers, t)
		closers = append(closers, t)
	}

	if len(tracers) == 0 {
		return trace.Nop{}, closeAll, nil
	}
	return tracers, closeAll, nil
}

func printTraffic(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "\n--- Traffic ---\n")
	fmt.Fprintf(w, "Packets sent:     %d\n", snap.PacketsSent)
	fmt.Fprintf(w, "Packets received: %d\n", snap.PacketsReceived)
	if snap.DecodeErrors > 0 {
		fmt.Fprintf(w, "Decode errors:    %d\n", snap.DecodeErrors)
	}
	for _, event := range []string{"register", "update", "deregister"} {
		if n := snap.RegistrationEvents[event]; n > 0 {
			fmt.Fprintf(w, "%-17s %d\n", event+":", n)
		}
	}
}
