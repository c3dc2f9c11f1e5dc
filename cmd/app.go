package main

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/config"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/db"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/mq"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/providers"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/services"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/store"
)

// app is the wired engine shared by every command.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	client   *mongo.Client
	database *mongo.Database
	store    store.Set
	pub      *mq.Publisher

	registry *providers.Registry
	orch     *services.Orchestrator
	txs      *services.TransactionService
	rec      *services.Reconciler
	methods  *services.PaymentMethodService
}

func newApp(ctx context.Context, log *zap.Logger) (*app, error) {
	cfg, err := config.Load(log)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	client, err := db.Connect(ctx, cfg.MongoURI, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, client: client, database: client.Database(cfg.MongoDatabase)}
	a.store = store.NewMongo(a.database)

	var notifier services.Notifier = services.NewLogNotifier(log)
	if cfg.RabbitURL != "" {
		pub, err := mq.NewPublisher(cfg.RabbitURL, cfg.NotifyExchange)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pub = pub
		notifier = services.NewAMQPNotifier(pub)
		log.Info("publishing notifications", zap.String("exchange", cfg.NotifyExchange))
	}

	pc := cfg.Payment
	tokens := providers.NewTokenCache(pc.TokenTTL)
	a.registry = providers.NewRegistry(
		providers.NewMTN(cfg.MTN, pc.ProviderTimeout, tokens, log),
		providers.NewAirtel(cfg.Airtel, pc.Currency, pc.CountryCode, pc.ProviderTimeout, tokens, log),
	)

	opts := services.NewOptions(pc)
	a.orch = services.NewOrchestrator(a.store.Transactions, a.registry, notifier, opts, log)
	a.txs = services.NewTransactionService(a.store, a.registry, a.orch, opts, log)
	a.rec = services.NewReconciler(a.store, a.registry, a.orch, notifier, log)
	a.methods = services.NewPaymentMethodService(a.store, notifier, opts, log)
	return a, nil
}

func (a *app) close() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Warn("error closing rabbitmq publisher", zap.Error(err))
		}
	}
	db.Disconnect(a.client, a.log)
}
