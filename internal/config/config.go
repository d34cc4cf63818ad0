package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	Logger LoggerConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	CFS   CFSConfig
	NATS  NATSConfig
	Store ObjectStoreConfig

	// NSFFeeAmount is the fee raised on the compensating NSF invoice.
	NSFFeeAmount decimal.Decimal
	// OBDisallowedCorpTypes lists corp types whose policy excludes online
	// banking; dispatch skips their invoices.
	OBDisallowedCorpTypes []string
	// EFTPatterns classify TDI17 transaction descriptions by prefix.
	EFTPatterns PatternConfig
}

// CFSConfig describes the corporate financial system API endpoint.
type CFSConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	TimeoutSec   int
	// AdoptGraceSec is how long dispatch waits before probing CFS after a
	// create timed out.
	AdoptGraceSec int
}

// NATSConfig describes the message bus connection and topics.
type NATSConfig struct {
	URL            string
	MailerTopic    string
	AuthEventTopic string
	BusinessTopic  string
	CASFileTopic   string
	EFTFileTopic   string
	JVFileTopic    string
	EventSource    string
}

// ObjectStoreConfig describes the settlement-file object store.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// PatternConfig holds the deposit-description prefixes used to classify
// TDI17 rows.
type PatternConfig struct {
	EFT            string
	Wire           string
	PAD            string
	FederalPayment string
}

type LoggerConfig struct {
	Level string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	nsfFee, err := decimal.NewFromString(getenv("NSF_FEE_AMOUNT", "30.00"))
	if err != nil {
		nsfFee = decimal.NewFromInt(30)
	}

	return Config{
		AppName:     getenv("APP_SERVICE", "payrecon"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "payrecon"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt(os.Getenv("DATABASE_MAX_IDLE_CONN"), 5),
		DBMaxOpenConn:     getenvInt(os.Getenv("DATABASE_MAX_OPEN_CONN"), 20),
		DBConnMaxLifetime: getenvInt(os.Getenv("DATABASE_CONN_MAX_LIFETIME"), 3600),
		DBConnMaxIdleTime: getenvInt(os.Getenv("DATABASE_CONN_MAX_IDLE_TIME"), 600),
		CFS: CFSConfig{
			BaseURL:       strings.TrimRight(getenv("CFS_BASE_URL", "http://localhost:8080/cfs"), "/"),
			TokenURL:      getenv("CFS_TOKEN_URL", "http://localhost:8080/oauth/token"),
			ClientID:      getenv("CFS_CLIENT_ID", ""),
			ClientSecret:  getenv("CFS_CLIENT_SECRET", ""),
			TimeoutSec:    getenvInt(os.Getenv("CFS_TIMEOUT_SEC"), 30),
			AdoptGraceSec: getenvInt(os.Getenv("CFS_ADOPT_GRACE_SEC"), 10),
		},
		NATS: NATSConfig{
			URL:            getenv("NATS_URL", "nats://localhost:4222"),
			MailerTopic:    getenv("NATS_MAILER_TOPIC", "account.mailer"),
			AuthEventTopic: getenv("NATS_AUTH_EVENT_TOPIC", "auth.events"),
			BusinessTopic:  getenv("NATS_BUSINESS_TOPIC", "business.events"),
			CASFileTopic:   getenv("NATS_CAS_FILE_TOPIC", "files.cas"),
			EFTFileTopic:   getenv("NATS_EFT_FILE_TOPIC", "files.eft"),
			JVFileTopic:    getenv("NATS_JV_FILE_TOPIC", "files.jv"),
			EventSource:    getenv("EVENT_SOURCE", "urn:payrecon"),
		},
		Store: ObjectStoreConfig{
			Endpoint:  getenv("OBJECT_STORE_ENDPOINT", "localhost:9000"),
			AccessKey: getenv("OBJECT_STORE_ACCESS_KEY", ""),
			SecretKey: getenv("OBJECT_STORE_SECRET_KEY", ""),
			UseSSL:    getenvBool("OBJECT_STORE_SSL", false),
		},
		NSFFeeAmount:          nsfFee,
		OBDisallowedCorpTypes: splitList(os.Getenv("OB_DISALLOWED_CORP_TYPES")),
		EFTPatterns: PatternConfig{
			EFT:            getenv("EFT_PATTERN", "MISC PAYMENT"),
			Wire:           getenv("WIRE_PATTERN", "FUNDS TRANSFER CR TT"),
			PAD:            getenv("PAD_PATTERN", "MISC PAD"),
			FederalPayment: getenv("FEDERAL_PAYMENT_PATTERN", "PROV/LOCAL GVT PYMT"),
		},
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(raw string, def int) int {
	value := strings.TrimSpace(raw)
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// Module wires configuration loading.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewFlagsHolder),
	fx.Provide(func(h *FlagsHolder) Flags { return h.Get() }),
)
