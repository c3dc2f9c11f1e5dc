package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/config"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/db"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/handlers"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/services"
)

func sweepCmd(log *zap.Logger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:       "sweep <poll|refund|expiry|retry|archive>",
		Short:     "Run one sweep and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"poll", "refund", "expiry", "retry", "archive"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := newApp(ctx, log)
			if err != nil {
				return err
			}
			defer a.close()

			sweeps := map[string]services.SweepFunc{
				"poll":    a.orch.PollSweep,
				"refund":  a.rec.RefundSweep,
				"expiry":  a.orch.ExpirySweep,
				"retry":   a.orch.RetrySweep,
				"archive": a.orch.ArchiveSweep,
			}
			run, ok := sweeps[args[0]]
			if !ok {
				return fmt.Errorf("unknown sweep %q", args[0])
			}
			res, err := run(ctx)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(res)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "stop selecting new transactions after this long")
	return cmd
}

func indexesCmd(log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create the MongoDB indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer a.close()
			return db.EnsureIndexes(cmd.Context(), a.database, log)
		},
	}
}

// tokenCmd mints a bearer token for local testing against the API.
func tokenCmd(log *zap.Logger) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Print a signed API token for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(log)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := handlers.NewAuth(cfg.JWTSecret).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			log.Debug("token issued", zap.String("owner", args[0]))
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
