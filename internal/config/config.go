package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Store         StoreConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Audit         AuditConfig
	OTP           OTPConfig
	Session       SessionConfig
	OAuth         OAuthConfig
	Cleanup       CleanupConfig
	Phone         PhoneConfig
	SMS           SMSConfig
	SMTP          SMTPConfig
	Notify        NotifyConfig
	Hashing       HashingConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string // optional rotating file sink
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

const (
	BackendRedis  = "redis"
	BackendScylla = "scylla"
)

type StoreConfig struct {
	Backend string // redis | scylla
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	NotifyTopic  string
	NotifyGroup  string
	NotifyWorker bool // consume NotifyTopic and deliver in this process
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type AuditConfig struct {
	Sinks []string // any of: clickhouse, elasticsearch
}

type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
	Length      int
	SendLimit   int
	SendWindow  time.Duration
	Retention   time.Duration
}

type SessionConfig struct {
	Secret   string
	Lifetime time.Duration
}

type OAuthConfig struct {
	StateTTL  time.Duration
	Retention time.Duration // how long an expired state stays readable
}

type CleanupConfig struct {
	Interval time.Duration
}

type PhoneConfig struct {
	CountryCode    string
	MobilePrefixes string
}

type SMSConfig struct {
	GatewayURL string
	APIKey     string
	Sender     string
	DryRun     bool
	Timeout    time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

const (
	TransportDirect = "direct"
	TransportKafka  = "kafka"
)

type NotifyConfig struct {
	Transport string // direct | kafka
}

type HashingConfig struct {
	Pepper            string
	Argon2MemoryCost  int // KiB
	Argon2TimeCost    int
	Argon2Parallelism int
}

type KMSConfig struct {
	Enabled  bool
	KeyID    string
	Region   string
	LocalKey string // base64 AES-256 key used when KMS is disabled
}

type BucketingConfig struct {
	EventBuckets int
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         getInt("HTTP_PORT", 8080),
			TLSPort:      getInt("TLS_PORT", 8443),
			EnableTLS:    getBool("TLS_ENABLED", false),
			AutoCert:     getBool("TLS_AUTOCERT", false),
			Domain:       getEnv("TLS_DOMAIN", ""),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  getEnv("TLS_AUTOCERT_DIR", "./certs"),
			Email:        getEnv("TLS_EMAIL", ""),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 20),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", BackendRedis)),
		},
		Scylla: ScyllaConfig{
			Nodes:    getList("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
			Username: os.Getenv("SCYLLA_USERNAME"),
			Password: os.Getenv("SCYLLA_PASSWORD"),
		},
		Kafka: KafkaConfig{
			Enabled:      getBool("KAFKA_ENABLED", false),
			Brokers:      getList("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
			NotifyTopic:  getEnv("KAFKA_NOTIFY_TOPIC", "identity.notifications"),
			NotifyGroup:  getEnv("KAFKA_NOTIFY_GROUP", "identity-notifier"),
			NotifyWorker: getBool("KAFKA_NOTIFY_WORKER", false),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://127.0.0.1:9200"),
			Username: os.Getenv("ELASTICSEARCH_USERNAME"),
			Password: os.Getenv("ELASTICSEARCH_PASSWORD"),
			Index:    getEnv("ELASTICSEARCH_AUDIT_INDEX", "identity-security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "127.0.0.1:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
			Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
		},
		Audit: AuditConfig{
			Sinks: getList("AUDIT_SINKS", nil),
		},
		OTP: OTPConfig{
			TTL:         time.Duration(getInt("OTP_TTL_MINUTES", 10)) * time.Minute,
			MaxAttempts: getInt("OTP_MAX_ATTEMPTS", 5),
			Length:      getInt("OTP_LENGTH", 6),
			SendLimit:   getInt("OTP_SEND_LIMIT", 5),
			SendWindow:  getDuration("OTP_SEND_WINDOW", 15*time.Minute),
			Retention:   getDuration("OTP_RECORD_RETENTION", time.Hour),
		},
		Session: SessionConfig{
			Secret:   os.Getenv("SESSION_SECRET"),
			Lifetime: getDuration("SESSION_LIFETIME", 7*24*time.Hour),
		},
		OAuth: OAuthConfig{
			StateTTL:  time.Duration(getInt("OAUTH_STATE_TTL_MINUTES", 10)) * time.Minute,
			Retention: getDuration("OAUTH_STATE_RETENTION", time.Hour),
		},
		Cleanup: CleanupConfig{
			Interval: getDuration("CLEANUP_INTERVAL", 5*time.Minute),
		},
		Phone: PhoneConfig{
			CountryCode:    getEnv("PHONE_COUNTRY_CODE", "91"),
			MobilePrefixes: getEnv("PHONE_MOBILE_PREFIXES", "6789"),
		},
		SMS: SMSConfig{
			GatewayURL: getEnv("SMS_GATEWAY_URL", "https://api.mobizon.kz/service/message/sendsmsmessage"),
			APIKey:     os.Getenv("SMS_API_KEY"),
			Sender:     os.Getenv("SMS_SENDER"),
			DryRun:     getBool("SMS_DRY_RUN", false),
			Timeout:    getDuration("SMS_TIMEOUT", 10*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "localhost"),
			Port:     getInt("SMTP_PORT", 587),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("EMAIL_FROM", "no-reply@localhost"),
		},
		Notify: NotifyConfig{
			Transport: strings.ToLower(getEnv("NOTIFY_TRANSPORT", TransportDirect)),
		},
		Hashing: HashingConfig{
			Pepper:            os.Getenv("HASH_PEPPER"),
			Argon2MemoryCost:  getInt("ARGON2_MEMORY_KIB", 19*1024),
			Argon2TimeCost:    getInt("ARGON2_TIME_COST", 2),
			Argon2Parallelism: getInt("ARGON2_PARALLELISM", 1),
		},
		KMS: KMSConfig{
			Enabled:  getBool("KMS_ENABLED", false),
			KeyID:    os.Getenv("KMS_KEY_ID"),
			Region:   getEnv("KMS_REGION", "ap-south-1"),
			LocalKey: os.Getenv("ENCRYPTION_LOCAL_KEY"),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getInt("BUCKETING_EVENT_BUCKETS", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the core cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Session.Secret) == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if c.OTP.TTL <= 0 {
		return fmt.Errorf("OTP_TTL_MINUTES must be positive")
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 10")
	}
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("SESSION_LIFETIME must be positive")
	}
	if c.OAuth.StateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL_MINUTES must be positive")
	}
	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	// Stores drop records on their own once retention passes; a sweep has to
	// get there first.
	if c.OTP.Retention < c.Cleanup.Interval {
		return fmt.Errorf("OTP_RECORD_RETENTION must be at least CLEANUP_INTERVAL")
	}
	if c.OAuth.Retention < c.Cleanup.Interval {
		return fmt.Errorf("OAUTH_STATE_RETENTION must be at least CLEANUP_INTERVAL")
	}
	switch c.Store.Backend {
	case BackendRedis, BackendScylla:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendRedis, BackendScylla, c.Store.Backend)
	}
	switch c.Notify.Transport {
	case TransportDirect:
	case TransportKafka:
		if !c.Kafka.Enabled {
			return fmt.Errorf("NOTIFY_TRANSPORT=kafka requires KAFKA_ENABLED")
		}
	default:
		return fmt.Errorf("NOTIFY_TRANSPORT must be %q or %q, got %q", TransportDirect, TransportKafka, c.Notify.Transport)
	}
	if c.IsProduction() && c.Hashing.Pepper == "" {
		return fmt.Errorf("HASH_PEPPER is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
