package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/store"
)

// Connect opens a MongoDB client for uri and pings the primary.
func Connect(ctx context.Context, uri string, log *zap.Logger) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	log.Info("connected to mongodb")
	return client, nil
}

// Disconnect closes the client with a bounded timeout.
func Disconnect(client *mongo.Client, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.Warn("error disconnecting from mongodb", zap.Error(err))
	}
}

// Indexes lists the indexes each collection needs.
func Indexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		store.TransactionsCollection: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
			{
				Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_ref", Value: 1}},
				Options: options.Index().SetPartialFilterExpression(bson.M{
					"provider_ref": bson.M{"$gt": ""},
				}),
			},
		},
		store.RefundsCollection: {
			{Keys: bson.D{{Key: "transaction_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_ref", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		store.WebhookEventsCollection: {
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_ref", Value: 1}}},
			{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "received_at", Value: -1}}},
		},
		store.PaymentMethodsCollection: {
			{
				Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "provider", Value: 1}, {Key: "phone_number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "owner_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetName("owner_single_default").
					SetPartialFilterExpression(bson.M{"default": true}),
			},
		},
	}
}

// EnsureIndexes creates the indexes returned by Indexes.
func EnsureIndexes(ctx context.Context, database *mongo.Database, log *zap.Logger) error {
	for coll, models := range Indexes() {
		names, err := database.Collection(coll).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
		log.Info("indexes ensured", zap.String("collection", coll), zap.Strings("indexes", names))
	}
	return nil
}
