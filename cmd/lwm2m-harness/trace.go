package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/twinfer/lwm2m-harness/pkg/packet"
	"github.com/twinfer/lwm2m-harness/pkg/trace"
)

func newTraceCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "trace <file.cbor>",
		Short: "Print the packets of a recorded CBOR trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := trace.ReadAll(args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				if runID != "" && ev.RunID != runID {
					continue
				}
				line := fmt.Sprintf("%d bytes (undecodable)", len(ev.Data))
				if p, err := packet.Decode(ev.Data, nil); err == nil {
					line = p.String()
				}
				fmt.Fprintf(os.Stdout, "%s ssid=%d %-3s %s %s\n",
					ev.Timestamp.Format("15:04:05.000"), ev.SSID, ev.Direction, ev.RemoteAddr, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Only print events of this run id")
	return cmd
}
