package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	MongoURI      string `envconfig:"MONGOURI" required:"true"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"momopay"`
	JWTSecret     string `envconfig:"JWT_SECRET" required:"true"`

	// Empty RabbitURL keeps notifications in the log.
	RabbitURL      string `envconfig:"RABBIT_URL"`
	NotifyExchange string `envconfig:"NOTIFY_EXCHANGE" default:"payment.notifications"`
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Payment Payment `envconfig:"PAYMENT"`
	MTN     MTN     `envconfig:"MTN"`
	Airtel  Airtel  `envconfig:"AIRTEL"`
}

// Payment holds the orchestration knobs.
type Payment struct {
	Currency         string        `envconfig:"CURRENCY" default:"UGX"`
	CountryCode      string        `envconfig:"COUNTRY_CODE" default:"256"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	TransactionTTL   time.Duration `envconfig:"TRANSACTION_TTL" default:"30m"`
	PollWindow       time.Duration `envconfig:"POLL_WINDOW" default:"24h"`
	RetryWindow      time.Duration `envconfig:"RETRY_WINDOW" default:"1h"`
	Retention        time.Duration `envconfig:"RETENTION" default:"2160h"`
	ProviderTimeout  time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"5s"`
	TokenTTL         time.Duration `envconfig:"TOKEN_TTL" default:"50m"`
	BatchSize        int           `envconfig:"BATCH_SIZE" default:"200"`
	SweepConcurrency int           `envconfig:"SWEEP_CONCURRENCY" default:"4"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"1m"`
	ExpiryInterval   time.Duration `envconfig:"EXPIRY_INTERVAL" default:"1m"`
	RetryInterval    time.Duration `envconfig:"RETRY_INTERVAL" default:"5m"`
	ArchiveInterval  time.Duration `envconfig:"ARCHIVE_INTERVAL" default:"24h"`
}

type MTN struct {
	BaseURL           string `envconfig:"BASE_URL" default:"https://sandbox.momodeveloper.mtn.com"`
	SubscriptionKey   string `envconfig:"SUBSCRIPTION_KEY"`
	APIUser           string `envconfig:"API_USER"`
	APIKey            string `envconfig:"API_KEY"`
	TargetEnvironment string `envconfig:"TARGET_ENVIRONMENT" default:"sandbox"`
	CallbackURL       string `envconfig:"CALLBACK_URL"`
	WebhookSecret     string `envconfig:"WEBHOOK_SECRET"`
	MinAmount         int64  `envconfig:"MIN_AMOUNT" default:"500"`
	MaxAmount         int64  `envconfig:"MAX_AMOUNT" default:"10000000"`
}

type Airtel struct {
	BaseURL       string `envconfig:"BASE_URL" default:"https://openapiuat.airtel.africa"`
	ClientID      string `envconfig:"CLIENT_ID"`
	ClientSecret  string `envconfig:"CLIENT_SECRET"`
	Country       string `envconfig:"COUNTRY" default:"UG"`
	CallbackURL   string `envconfig:"CALLBACK_URL"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`
	MinAmount     int64  `envconfig:"MIN_AMOUNT" default:"500"`
	MaxAmount     int64  `envconfig:"MAX_AMOUNT" default:"7000000"`
}

// Load reads .env when present, then the process environment.
func Load(log *zap.Logger) (Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug("no .env loaded", zap.Error(err))
	}
	var c Config
	err := envconfig.Process("", &c)
	return c, err
}
