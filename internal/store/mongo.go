package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

// Collection names.
const (
	TransactionsCollection   = "transactions"
	RefundsCollection        = "refunds"
	WebhookEventsCollection  = "webhook_events"
	PaymentMethodsCollection = "payment_methods"
	VerificationsCollection  = "verifications"
)

// NewMongo returns the Mongo-backed store set for db.
func NewMongo(db *mongo.Database) Set {
	return Set{
		Transactions:   &MongoTransactions{coll: db.Collection(TransactionsCollection)},
		Refunds:        &MongoRefunds{coll: db.Collection(RefundsCollection)},
		WebhookEvents:  &MongoWebhookEvents{coll: db.Collection(WebhookEventsCollection)},
		PaymentMethods: &MongoPaymentMethods{coll: db.Collection(PaymentMethodsCollection)},
		Verifications:  &MongoVerifications{coll: db.Collection(VerificationsCollection)},
	}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, what, id)
	}
	return fmt.Errorf("failed to fetch %s %s: %w", what, id, err)
}

func insertErr(err error, what, id string) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s %s already exists", models.ErrConflict, what, id)
	}
	return fmt.Errorf("failed to insert %s %s: %w", what, id, err)
}

func limitOpts(sort bson.D, limit int) *options.FindOptions {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

type MongoTransactions struct {
	coll *mongo.Collection
}

func (s *MongoTransactions) Insert(ctx context.Context, tx *models.Transaction) error {
	if tx.Notifications == nil {
		tx.Notifications = []models.NotificationRecord{}
	}
	if tx.Callbacks == nil {
		tx.Callbacks = []models.CallbackRecord{}
	}
	if _, err := s.coll.InsertOne(ctx, tx); err != nil {
		return insertErr(err, "transaction", tx.ID)
	}
	return nil
}

func (s *MongoTransactions) Get(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&tx); err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return &tx, nil
}

func (s *MongoTransactions) FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.Transaction, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty provider reference", models.ErrNotFound)
	}
	var tx models.Transaction
	err := s.coll.FindOne(ctx, bson.M{"provider": provider, "provider_ref": ref}).Decode(&tx)
	if err != nil {
		return nil, notFound(err, string(provider)+" transaction with provider reference", ref)
	}
	return &tx, nil
}

func (s *MongoTransactions) ListByOwner(ctx context.Context, ownerID string) ([]models.Transaction, error) {
	return s.find(ctx, bson.M{"owner_id": ownerID}, limitOpts(bson.D{{Key: "created_at", Value: -1}}, 0))
}

func (s *MongoTransactions) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Transaction, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return txs, nil
}

// exists separates "guard failed" from "no such document" after an unmatched update.
func (s *MongoTransactions) exists(ctx context.Context, id string) error {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to look up transaction %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *MongoTransactions) Transition(ctx context.Context, id string, u models.TransitionUpdate) (bool, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": statusStrings(models.Sources(u.To))},
	}
	set := bson.M{"status": u.To, "updated_at": u.At}
	if u.CompletedAt != nil {
		set["completed_at"] = *u.CompletedAt
	}
	if u.ExpiresAt != nil {
		set["expires_at"] = *u.ExpiresAt
	}
	if u.ProviderRef != "" {
		set["provider_ref"] = u.ProviderRef
	}
	if u.ProviderStatus != "" {
		set["provider_status"] = u.ProviderStatus
	}
	if u.LastError != nil {
		set["last_error"] = *u.LastError
	}
	update := bson.M{"$set": set}
	if u.IncAttempts {
		update["$inc"] = bson.M{"attempts": 1}
	}
	push := bson.M{}
	if u.Notification != nil {
		push["notifications"] = *u.Notification
	}
	if u.Callback != nil {
		push["callbacks"] = *u.Callback
	}
	if len(push) > 0 {
		update["$push"] = push
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction %s to %s: %w", id, u.To, err)
	}
	if res.MatchedCount == 0 {
		return false, s.exists(ctx, id)
	}
	return true, nil
}

func (s *MongoTransactions) RecordAttempt(ctx context.Context, id string, statuses []models.Status, errText string, at time.Time) (int, error) {
	var tx models.Transaction
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": statusStrings(statuses)}},
		bson.M{
			"$inc": bson.M{"attempts": 1},
			"$set": bson.M{"last_error": errText, "updated_at": at},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&tx)
	if err != nil {
		return 0, notFound(err, "transaction", id)
	}
	return tx.Attempts, nil
}

func (s *MongoTransactions) SetProviderRef(ctx context.Context, id, ref, providerStatus string, at time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.StatusPending},
		bson.M{"$set": bson.M{"provider_ref": ref, "provider_status": providerStatus, "updated_at": at}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to store provider reference for %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return false, s.exists(ctx, id)
	}
	return true, nil
}

func (s *MongoTransactions) UpdateProviderStatus(ctx context.Context, id, providerStatus string, at time.Time) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": statusStrings(unresolvedStatuses)}},
		bson.M{"$set": bson.M{"provider_status": providerStatus, "updated_at": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to update provider status for %s: %w", id, err)
	}
	return nil
}

func (s *MongoTransactions) AppendCallback(ctx context.Context, id string, cb models.CallbackRecord) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$push": bson.M{"callbacks": cb}})
	if err != nil {
		return fmt.Errorf("failed to append callback to %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *MongoTransactions) MarkArchived(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":      id,
			"archived": bson.M{"$ne": true},
			"status":   bson.M{"$in": statusStrings(terminalStatuses)},
		},
		bson.M{"$set": bson.M{"archived": true, "archived_at": at, "updated_at": at}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to archive transaction %s: %w", id, err)
	}
	return res.ModifiedCount == 1, nil
}

var oldestFirst = bson.D{{Key: "created_at", Value: 1}}

func (s *MongoTransactions) FindPollable(ctx context.Context, createdAfter time.Time, limit int) ([]models.Transaction, error) {
	return s.find(ctx, bson.M{
		"status":       bson.M{"$in": statusStrings(unresolvedStatuses)},
		"provider_ref": bson.M{"$ne": ""},
		"created_at":   bson.M{"$gte": createdAfter},
	}, limitOpts(oldestFirst, limit))
}

func (s *MongoTransactions) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	return s.find(ctx, bson.M{
		"status":     bson.M{"$in": statusStrings(unresolvedStatuses)},
		"expires_at": bson.M{"$lt": now},
	}, limitOpts(oldestFirst, limit))
}

func (s *MongoTransactions) FindRetryable(ctx context.Context, updatedAfter time.Time, maxAttempts, limit int) ([]models.Transaction, error) {
	return s.find(ctx, bson.M{
		"status":     models.StatusFailed,
		"archived":   bson.M{"$ne": true},
		"attempts":   bson.M{"$lt": maxAttempts},
		"updated_at": bson.M{"$gte": updatedAfter},
	}, limitOpts(oldestFirst, limit))
}

func (s *MongoTransactions) FindArchivable(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error) {
	return s.find(ctx, bson.M{
		"status":     bson.M{"$in": statusStrings(terminalStatuses)},
		"archived":   bson.M{"$ne": true},
		"created_at": bson.M{"$lt": createdBefore},
	}, limitOpts(oldestFirst, limit))
}

type MongoRefunds struct {
	coll *mongo.Collection
}

func (s *MongoRefunds) Insert(ctx context.Context, r *models.Refund) error {
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		return insertErr(err, "refund", r.ID)
	}
	return nil
}

func (s *MongoRefunds) Get(ctx context.Context, id string) (*models.Refund, error) {
	var r models.Refund
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		return nil, notFound(err, "refund", id)
	}
	return &r, nil
}

func (s *MongoRefunds) FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.Refund, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty provider reference", models.ErrNotFound)
	}
	var r models.Refund
	if err := s.coll.FindOne(ctx, bson.M{"provider": provider, "provider_ref": ref}).Decode(&r); err != nil {
		return nil, notFound(err, string(provider)+" refund with provider reference", ref)
	}
	return &r, nil
}

func (s *MongoRefunds) ListByTransaction(ctx context.Context, txID string) ([]models.Refund, error) {
	cur, err := s.coll.Find(ctx, bson.M{"transaction_id": txID}, limitOpts(oldestFirst, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query refunds: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.Refund
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode refunds: %w", err)
	}
	return out, nil
}

func (s *MongoRefunds) FindUnresolved(ctx context.Context, createdAfter time.Time, limit int) ([]models.Refund, error) {
	filter := bson.M{
		"status":       bson.M{"$in": []models.RefundStatus{models.RefundPending, models.RefundProcessing}},
		"provider_ref": bson.M{"$gt": ""},
		"created_at":   bson.M{"$gt": createdAfter},
	}
	cur, err := s.coll.Find(ctx, filter, limitOpts(oldestFirst, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved refunds: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.Refund
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode refunds: %w", err)
	}
	return out, nil
}

func (s *MongoRefunds) Transition(ctx context.Context, id string, u models.RefundUpdate) (bool, error) {
	from := make([]string, 0, 2)
	for _, st := range models.RefundSources(u.To) {
		from = append(from, string(st))
	}
	set := bson.M{"status": u.To, "updated_at": u.At}
	if u.ProviderRef != "" {
		set["provider_ref"] = u.ProviderRef
	}
	if u.ProviderStatus != "" {
		set["provider_status"] = u.ProviderStatus
	}
	if u.LastError != "" {
		set["last_error"] = u.LastError
	}
	if u.To == models.RefundCompleted {
		set["completed_at"] = u.At
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "status": bson.M{"$in": from}}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("failed to transition refund %s to %s: %w", id, u.To, err)
	}
	return res.MatchedCount == 1, nil
}

type MongoWebhookEvents struct {
	coll *mongo.Collection
}

func (s *MongoWebhookEvents) Insert(ctx context.Context, ev *models.WebhookEvent) error {
	if _, err := s.coll.InsertOne(ctx, ev); err != nil {
		return insertErr(err, "webhook event", ev.ID)
	}
	return nil
}

func (s *MongoWebhookEvents) Get(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&ev); err != nil {
		return nil, notFound(err, "webhook event", id)
	}
	return &ev, nil
}

func (s *MongoWebhookEvents) MarkProcessed(ctx context.Context, id, txID, refundID string, at time.Time) error {
	set := bson.M{"processed": true, "processed_at": at}
	if txID != "" {
		set["transaction_id"] = txID
	}
	if refundID != "" {
		set["refund_id"] = refundID
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "processed": false}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s processed: %w", id, err)
	}
	return nil
}

func (s *MongoWebhookEvents) MarkFailed(ctx context.Context, id, errText string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "processed": false, "error": ""},
		bson.M{"$set": bson.M{"error": errText}},
	)
	if err != nil {
		return fmt.Errorf("failed to record error on webhook event %s: %w", id, err)
	}
	return nil
}

type MongoPaymentMethods struct {
	coll *mongo.Collection
}

// Insert relies on the unique (owner_id, provider, phone_number) index for
// duplicates and on the partial unique default index for the single-default rule.
func (s *MongoPaymentMethods) Insert(ctx context.Context, pm *models.PaymentMethod) error {
	if pm.Default {
		if _, err := s.coll.UpdateMany(ctx,
			bson.M{"owner_id": pm.OwnerID, "default": true},
			bson.M{"$set": bson.M{"default": false, "updated_at": pm.CreatedAt}},
		); err != nil {
			return fmt.Errorf("failed to clear default payment method: %w", err)
		}
	}
	if _, err := s.coll.InsertOne(ctx, pm); err != nil {
		return insertErr(err, "payment method", pm.ID)
	}
	return nil
}

func (s *MongoPaymentMethods) Get(ctx context.Context, id string) (*models.PaymentMethod, error) {
	var pm models.PaymentMethod
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&pm); err != nil {
		return nil, notFound(err, "payment method", id)
	}
	return &pm, nil
}

func (s *MongoPaymentMethods) ListByOwner(ctx context.Context, ownerID string) ([]models.PaymentMethod, error) {
	opts := options.Find().SetSort(bson.D{{Key: "default", Value: -1}, {Key: "created_at", Value: -1}})
	cur, err := s.coll.Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment methods: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.PaymentMethod
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payment methods: %w", err)
	}
	return out, nil
}

// SetDefault clears the owner's other defaults before setting the new one.
// A concurrent SetDefault loses on the partial unique index and reports ErrConflict.
func (s *MongoPaymentMethods) SetDefault(ctx context.Context, ownerID, id string, at time.Time) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.coll.UpdateMany(ctx,
		bson.M{"owner_id": ownerID, "default": true, "_id": bson.M{"$ne": id}},
		bson.M{"$set": bson.M{"default": false, "updated_at": at}},
	); err != nil {
		return fmt.Errorf("failed to clear default payment method: %w", err)
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "owner_id": ownerID},
		bson.M{"$set": bson.M{"default": true, "updated_at": at}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: another default was set concurrently", models.ErrConflict)
		}
		return fmt.Errorf("failed to set default payment method %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: payment method %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *MongoPaymentMethods) MarkVerified(ctx context.Context, id string, at time.Time) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"verified": true, "updated_at": at}})
	if err != nil {
		return fmt.Errorf("failed to mark payment method %s verified: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: payment method %s", models.ErrNotFound, id)
	}
	return nil
}

type MongoVerifications struct {
	coll *mongo.Collection
}

func (s *MongoVerifications) Upsert(ctx context.Context, v *models.Verification) error {
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": v.PaymentMethodID}, v, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store verification for %s: %w", v.PaymentMethodID, err)
	}
	return nil
}

func (s *MongoVerifications) Get(ctx context.Context, paymentMethodID string) (*models.Verification, error) {
	var v models.Verification
	if err := s.coll.FindOne(ctx, bson.M{"_id": paymentMethodID}).Decode(&v); err != nil {
		return nil, notFound(err, "verification for payment method", paymentMethodID)
	}
	return &v, nil
}

func (s *MongoVerifications) ReserveAttempt(ctx context.Context, paymentMethodID string, now time.Time) (*models.Verification, error) {
	var v models.Verification
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{
			"_id":        paymentMethodID,
			"verified":   false,
			"attempts":   bson.M{"$lt": models.VerificationMaxAttempts},
			"expires_at": bson.M{"$gt": now},
		},
		bson.M{"$inc": bson.M{"attempts": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: verification for %s is closed", models.ErrVerificationLocked, paymentMethodID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve verification attempt for %s: %w", paymentMethodID, err)
	}
	return &v, nil
}

func (s *MongoVerifications) MarkVerified(ctx context.Context, paymentMethodID string, codeHash []byte, at time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":       paymentMethodID,
			"verified":  false,
			"code_hash": codeHash,
			"attempts":  bson.M{"$lte": models.VerificationMaxAttempts},
		},
		bson.M{"$set": bson.M{"verified": true, "verified_at": at}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark verification for %s: %w", paymentMethodID, err)
	}
	return res.ModifiedCount == 1, nil
}
