package services

import (
	"time"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/config"
)

// Options are the orchestration settings shared by the services.
type Options struct {
	Currency       string
	CountryCode    string
	MaxRetries     int
	TransactionTTL time.Duration
	PollWindow     time.Duration
	RetryWindow    time.Duration
	Retention      time.Duration
	// WriteTimeout bounds a store write that follows a provider call.
	WriteTimeout time.Duration
	BatchSize    int
	Concurrency  int
}

func NewOptions(cfg config.Payment) Options {
	return Options{
		Currency:       cfg.Currency,
		CountryCode:    cfg.CountryCode,
		MaxRetries:     cfg.MaxRetries,
		TransactionTTL: cfg.TransactionTTL,
		PollWindow:     cfg.PollWindow,
		RetryWindow:    cfg.RetryWindow,
		Retention:      cfg.Retention,
		WriteTimeout:   5 * time.Second,
		BatchSize:      cfg.BatchSize,
		Concurrency:    max(cfg.SweepConcurrency, 1),
	}
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Currency:       "UGX",
		CountryCode:    "256",
		MaxRetries:     3,
		TransactionTTL: 30 * time.Minute,
		PollWindow:     24 * time.Hour,
		RetryWindow:    time.Hour,
		Retention:      90 * 24 * time.Hour,
		WriteTimeout:   5 * time.Second,
		BatchSize:      200,
		Concurrency:    4,
	}
}
