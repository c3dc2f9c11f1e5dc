package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/db"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/handlers"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/obs"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/services"
)

func serveCmd(log *zap.Logger) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, log)
			if err != nil {
				return err
			}
			defer a.close()

			if err := db.EnsureIndexes(ctx, a.database, log); err != nil {
				return err
			}
			shutdownTracer, err := obs.InitTracer(ctx, "momopay", a.cfg.OTLPEndpoint, log)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(sctx); err != nil {
					log.Warn("tracer shutdown", zap.Error(err))
				}
			}()

			router := handlers.Router{
				Auth:           handlers.NewAuth(a.cfg.JWTSecret),
				Payments:       handlers.NewPaymentHandler(a.txs, log),
				PaymentMethods: handlers.NewPaymentMethodHandler(a.methods, log),
				Webhooks:       handlers.NewWebhookHandler(a.rec, log),
				Log:            log,
			}
			server := &http.Server{
				Addr:         "0.0.0.0:" + a.cfg.Port,
				Handler:      router.Handler(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
			}

			var wg sync.WaitGroup
			if !noScheduler {
				wg.Add(1)
				go func() {
					defer wg.Done()
					services.SchedulerFor(a.orch, a.rec, a.cfg.Payment, log).Run(ctx)
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("server running", zap.String("port", a.cfg.Port))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					stop()
					wg.Wait()
					return fmt.Errorf("http server: %w", err)
				}
			case <-ctx.Done():
			}

			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				log.Warn("http shutdown", zap.Error(err))
			}
			wg.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve HTTP only; run sweeps through the sweep command")
	return cmd
}
