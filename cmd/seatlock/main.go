package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixperk/seatlock/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "seatlock",
		Short:         "Seat booking lock coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newStatusCommand(),
		newForceReleaseCommand(),
	)
	return root
}

// loads the coordinator config for commands that open the stores
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	if err := config.Bind(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return config.Load(v)
}
