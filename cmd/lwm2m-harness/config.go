package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/twinfer/lwm2m-harness/pkg/config"
	"github.com/twinfer/lwm2m-harness/pkg/scenarios"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect harness configuration files",
	}
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigPrintDefaultCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if _, err := scenarios.Select(cfg.Scenarios); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s: OK\n", args[0])
			return nil
		},
	}
}

func newConfigPrintDefaultCmd() *cobra.Command {
	var preset string
	cmd := &cobra.Command{
		Use:   "print-default",
		Short: "Print a default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.HarnessConfig
			switch preset {
			case "default":
				cfg = config.DefaultConfig()
				cfg.DUT.Binary = "./lwm2m-client"
			case "secure":
				cfg = config.SecureConfig("harness", "change-me")
				cfg.DUT.Binary = "./lwm2m-client"
			case "mock":
				cfg = config.MockConfig()
			default:
				return fmt.Errorf("unknown preset %q (default, secure, mock)", preset)
			}
			cfg.Scenarios = scenarios.Names()

			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "default", "Configuration preset: default, secure or mock")
	return cmd
}
