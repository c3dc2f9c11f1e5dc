package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	rootCmd := &cobra.Command{
		Use:          "momopay",
		Short:        "Mobile-money payment orchestration for MTN and Airtel",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(log))
	rootCmd.AddCommand(sweepCmd(log))
	rootCmd.AddCommand(indexesCmd(log))
	rootCmd.AddCommand(tokenCmd(log))

	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
