package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// HTTPConfig holds the trigger API listen address.
type HTTPConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
}

// GRPCConfig holds the health endpoint address and ingress rate limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the standalone metrics address and log level.
// An empty Addr serves metrics only on the HTTP API.
type ObservabilityConfig struct {
	Addr     string
	LogLevel string
}

// PostgresConfig is empty when DATABASE_URL is unset; the server then keeps
// aggregates in memory.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    *int
	ConnMaxLifetime *time.Duration
}

// KafkaConfig is empty when KAFKA_BROKERS is unset; the server then uses the
// in-process bus.
type KafkaConfig struct {
	Brokers      []string
	ClientID     string
	GroupID      string
	MaxAttempts  *int
	BatchTimeout *time.Duration
	WriteTimeout *time.Duration
	MaxWait      *time.Duration
}

// RedisConfig holds the delivery counter connection. An empty URL keeps the
// counters in memory.
type RedisConfig struct {
	URL                string
	KeyPrefix          string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	DeliveryTTL        time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// SagaConfig holds coordinator and consumer knobs.
type SagaConfig struct {
	ResumeAfter     time.Duration
	SweepInterval   time.Duration
	SweepBatch      int
	ConsumerWorkers int
	MaxDeliveries   int
	JournalPath     string
}

type fileSettings struct {
	Settings map[string]string `yaml:"settings"`
}

// Load applies the settings of the file at path as defaults: a name already
// present in the environment keeps its value. Files ending in .yaml or .yml
// carry a settings map; anything else is read as a dotenv file. An empty path
// is a no-op.
func Load(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
	default:
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var file fileSettings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	for name, value := range file.Settings {
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if err := os.Setenv(name, value); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// LoadHTTP reads the trigger API config from env.
func LoadHTTP() (HTTPConfig, error) {
	addr, err := requiredString("HTTP_ADDR")
	if err != nil {
		return HTTPConfig{}, err
	}
	cfg := HTTPConfig{Addr: addr, ReadHeaderTimeout: 5 * time.Second}
	timeout, err := optionalDuration("HTTP_READ_HEADER_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if timeout != nil {
		cfg.ReadHeaderTimeout = *timeout
	}
	return cfg, nil
}

// LoadGRPC reads gRPC address and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	addr, err := requiredString("GRPC_ADDR")
	if err != nil {
		return GRPCConfig{}, err
	}
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              addr,
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads the metrics address and log level from env.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{
		Addr:     strings.TrimSpace(os.Getenv("OBS_ADDR")),
		LogLevel: strings.TrimSpace(os.Getenv("LOG_LEVEL")),
	}, nil
}

// LoadPostgres reads the database config from env.
func LoadPostgres() (PostgresConfig, error) {
	cfg := PostgresConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
	if cfg.URL == "" {
		return cfg, nil
	}
	var err error
	if cfg.MaxOpenConns, err = optionalInt("DATABASE_MAX_OPEN_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.ConnMaxLifetime, err = optionalDuration("DATABASE_CONN_MAX_LIFETIME"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadKafka reads broker config from env.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{Brokers: optionalList("KAFKA_BROKERS")}
	if len(cfg.Brokers) == 0 {
		return cfg, nil
	}
	var err error
	if cfg.GroupID, err = requiredString("KAFKA_GROUP_ID"); err != nil {
		return cfg, err
	}
	cfg.ClientID = strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID"))
	if cfg.MaxAttempts, err = optionalInt("KAFKA_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if cfg.BatchTimeout, err = optionalDuration("KAFKA_BATCH_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("KAFKA_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.MaxWait, err = optionalDuration("KAFKA_MAX_WAIT"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		KeyPrefix: strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX")),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.DeliveryTTL, err = requiredDuration("REDIS_DELIVERY_TTL"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadSaga reads coordinator and consumer settings from env.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{JournalPath: strings.TrimSpace(os.Getenv("SAGA_JOURNAL_PATH"))}
	var err error
	if cfg.ResumeAfter, err = requiredDuration("SAGA_RESUME_AFTER"); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = requiredDuration("SAGA_SWEEP_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.SweepBatch, err = requiredInt("SAGA_SWEEP_BATCH"); err != nil {
		return cfg, err
	}
	if cfg.ConsumerWorkers, err = requiredInt("CONSUMER_WORKERS"); err != nil {
		return cfg, err
	}
	if cfg.MaxDeliveries, err = requiredInt("CONSUMER_MAX_DELIVERIES"); err != nil {
		return cfg, err
	}
	if cfg.ConsumerWorkers < 1 || cfg.MaxDeliveries < 1 {
		return cfg, errors.New("CONSUMER_WORKERS and CONSUMER_MAX_DELIVERIES must be >= 1")
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalList(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
