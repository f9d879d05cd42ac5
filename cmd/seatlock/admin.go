package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pixperk/seatlock/pkg/client"
	"github.com/pixperk/seatlock/pkg/config"
	"github.com/pixperk/seatlock/pkg/coordinator"
	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one compensator pass against the configured stores and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			coord, err := coordinator.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer coord.Close()

			report, err := coord.Compensator.RunOnce(cmd.Context())
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "scanned %s keys, deleted %s orphaned, purged %s fallback rows, %s still held (%s)\n",
				humanize.Comma(int64(report.Scanned)),
				humanize.Comma(int64(report.Deleted)),
				humanize.Comma(report.FallbackPurged),
				humanize.Comma(report.FallbackHeld),
				report.Duration.Round(time.Millisecond))
			return err
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

type remoteFlags struct {
	addr       string
	adminToken string
	timeout    time.Duration
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "localhost:7070", "coordinator gRPC address")
	cmd.Flags().StringVar(&f.adminToken, "admin-token", "", "admin token")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "call timeout")
}

func (f *remoteFlags) dial() (*client.Client, error) {
	return client.NewClient(f.addr, "seatlock-cli", client.WithAdminToken(f.adminToken))
}

func newStatusCommand() *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "status [resource...]",
		Short: "Show the circuit state and, optionally, who holds each resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			circuit, err := c.Circuit(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "backend\t%s\n", circuit.Backend)
			fmt.Fprintf(w, "circuit\t%s\n", circuit.Phase)
			if !circuit.OpenedAt.IsZero() {
				fmt.Fprintf(w, "opened\t%s\n", humanize.Time(circuit.OpenedAt))
			}
			if circuit.Reason != "" {
				fmt.Fprintf(w, "reason\t%s\n", circuit.Reason)
			}
			fmt.Fprintf(w, "health\t%d\n", circuit.HealthScore)

			for _, id := range args {
				st, err := c.Status(ctx, id)
				if err != nil {
					return err
				}
				if !st.Locked {
					fmt.Fprintf(w, "%s\tfree\n", id)
					continue
				}
				fmt.Fprintf(w, "%s\theld by %s (v%d, %s, expires %s)\n",
					id, st.Owner, st.Version, st.Backend, humanize.Time(st.ExpiresAt))
			}
			return w.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}

func newForceReleaseCommand() *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "force-release resource",
		Short: "Drop a lock whoever holds it and invalidate the holder's fencing token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			existed, err := c.ForceRelease(ctx, args[0])
			if err != nil {
				return err
			}
			if existed {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not held\n", args[0])
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
