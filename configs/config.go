package config

import (
	"log"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var loadEnvOnce sync.Once

func loadEnv() {
	loadEnvOnce.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("Warning: .env file not found, reading from system environment variables")
		}
	})
}

type AppConfig struct {
	Port   string `envconfig:"PORT" default:"8080"`
	AppEnv string `envconfig:"APP_ENV" default:"development"`

	EventStore    string `envconfig:"EVENT_STORE" default:"postgres"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"liz_events"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"payments"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	Mpesa MpesaConfig

	InitiateTimeout time.Duration `envconfig:"INITIATE_TIMEOUT" default:"20s"`
	SweepSchedule   string        `envconfig:"SWEEP_SCHEDULE" default:"@every 2m"`
	SweepMinAge     time.Duration `envconfig:"SWEEP_MIN_AGE" default:"3m"`
	SweepBatchSize  int           `envconfig:"SWEEP_BATCH_SIZE" default:"50"`
	UnconfirmedTTL  time.Duration `envconfig:"UNCONFIRMED_TTL" default:"10m"`

	PersistMaxAttempts int           `envconfig:"PERSIST_MAX_ATTEMPTS" default:"5"`
	PersistBaseDelay   time.Duration `envconfig:"PERSIST_BASE_DELAY" default:"200ms"`
	PersistMaxDelay    time.Duration `envconfig:"PERSIST_MAX_DELAY" default:"5s"`

	BrevoAPIKey     string `envconfig:"BREVO_API_KEY"`
	EmailSender     string `envconfig:"EMAIL_SENDER"`
	EmailSenderName string `envconfig:"EMAIL_SENDER_NAME"`
	OwnerEmail      string `envconfig:"OWNER_EMAIL"`
}

type MpesaConfig struct {
	BaseURL         string        `envconfig:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey     string        `envconfig:"MPESA_CONSUMER_KEY" required:"true"`
	ConsumerSecret  string        `envconfig:"MPESA_CONSUMER_SECRET" required:"true"`
	Passkey         string        `envconfig:"MPESA_PASSKEY" required:"true"`
	ShortCode       string        `envconfig:"MPESA_SHORTCODE" required:"true"`
	CallbackURL     string        `envconfig:"MPESA_CALLBACK_URL" required:"true"`
	TransactionType string        `envconfig:"MPESA_TRANSACTION_TYPE" default:"CustomerPayBillOnline"`
	TransactionDesc string        `envconfig:"MPESA_TRANSACTION_DESC" default:"Event Deposit"`
	CountryCode     string        `envconfig:"MPESA_COUNTRY_CODE" default:"254"`
	HTTPTimeout     time.Duration `envconfig:"MPESA_HTTP_TIMEOUT" default:"15s"`
}

func (c AppConfig) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load reads .env (if present) and the process environment into an AppConfig.
func Load() (*AppConfig, error) {
	loadEnv()

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
