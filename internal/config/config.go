package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // NSQ topic carrying decoded chain events
	RelayChannel   string // NSQ channel name for relay consumers
}

type Relay struct {
	MaxConcurrentDeliveries int           // Worker pool ceiling
	DefaultMaxAttempts      int           // Attempt ceiling when a config has none
	DefaultRetryBaseDelay   time.Duration // Base delay when a config has none
	BackoffCap              time.Duration // Upper bound on a single retry delay
	JitterPercent           float64       // Backoff jitter percentage (0.0-1.0)
	SignatureHeader         string        // HTTP header carrying the HMAC signature
	TimestampHeader         string        // HTTP header carrying the send timestamp
	TrackerWindow           int           // Per-webhook delivery records retained
}

type Admin struct {
	HTTPPort     string // :8082
	JWTPublicKey string // PEM; empty disables admin auth
	JWTIssuer    string
	JWTAudience  string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Relay        Relay
	Admin        Admin
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "blockrelay"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "blockrelay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "chain_events"),
			RelayChannel:   getenv("NSQ_RELAY_CHANNEL", "relay"),
		},
		Relay: Relay{
			MaxConcurrentDeliveries: getenvInt("MAX_CONCURRENT_DELIVERIES", 16),
			DefaultMaxAttempts:      getenvInt("DEFAULT_MAX_ATTEMPTS", 5),
			DefaultRetryBaseDelay:   getenvDuration("DEFAULT_RETRY_BASE_DELAY", time.Second),
			BackoffCap:              getenvDuration("BACKOFF_CAP", time.Minute),
			JitterPercent:           getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			SignatureHeader:         getenv("WEBHOOK_SIGNATURE_HEADER", "X-BlockRelay-Signature"),
			TimestampHeader:         getenv("WEBHOOK_TIMESTAMP_HEADER", "X-BlockRelay-Timestamp"),
			TrackerWindow:           getenvInt("TRACKER_WINDOW", 1000),
		},
		Admin: Admin{
			HTTPPort:     ":" + getenv("ADMIN_HTTP_PORT", "8082"),
			JWTPublicKey: getenv("ADMIN_JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getenv("ADMIN_JWT_ISSUER", "blockrelay"),
			JWTAudience:  getenv("ADMIN_JWT_AUDIENCE", "blockrelay-admin"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
