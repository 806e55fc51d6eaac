package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	TrackingModePush = "push"
	TrackingModePoll = "poll"
)

// Имена переменных окружения.
const (
	envHTTPAddr                    = "ORDERTRACK_HTTP_ADDR"
	envGRPCAddr                    = "ORDERTRACK_GRPC_ADDR"
	envMetricsAddr                 = "ORDERTRACK_METRICS_ADDR"
	envStorageDriver               = "ORDERTRACK_STORAGE_DRIVER"
	envPostgresDSN                 = "ORDERTRACK_POSTGRES_DSN"
	envPostgresAutoMigrate         = "ORDERTRACK_POSTGRES_AUTO_MIGRATE"
	envRedisAddr                   = "ORDERTRACK_REDIS_ADDR"
	envStatsCacheTTL               = "ORDERTRACK_STATS_CACHE_TTL"
	envKafkaBrokers                = "KAFKA_BROKERS"
	envKafkaGroupID                = "ORDERTRACK_KAFKA_GROUP_ID"
	envJWTSecret                   = "ORDERTRACK_JWT_SECRET"
	envJWTIssuer                   = "ORDERTRACK_JWT_ISSUER"
	envAllowMockIntegrations       = "ORDERTRACK_ALLOW_MOCK_INTEGRATIONS"
	envRefundWindow                = "ORDERTRACK_REFUND_WINDOW"
	envCancelledRefundWindow       = "ORDERTRACK_CANCELLED_REFUND_WINDOW"
	envTrackingMode                = "ORDERTRACK_TRACKING_MODE"
	envPollInterval                = "ORDERTRACK_POLL_INTERVAL"
	envSubscriptionIdleAfter       = "ORDERTRACK_SUBSCRIPTION_IDLE_AFTER"
	envOutboxPollInterval          = "ORDERTRACK_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "ORDERTRACK_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "ORDERTRACK_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "ORDERTRACK_OUTBOX_RETRY_DELAY"
	envOutboxRetention             = "ORDERTRACK_OUTBOX_RETENTION"
	envIdempotencyTTL              = "ORDERTRACK_IDEMPOTENCY_TTL"
	envIdempotencyCleanupBatchSize = "ORDERTRACK_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envIdempotencyCleanupSchedule  = "ORDERTRACK_IDEMPOTENCY_CLEANUP_SCHEDULE"
	envIdleSubscriptionsSchedule   = "ORDERTRACK_IDLE_SUBSCRIPTIONS_SCHEDULE"
	envOutboxPurgeSchedule         = "ORDERTRACK_OUTBOX_PURGE_SCHEDULE"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// При пустом RedisAddr статистика кэшируется в памяти процесса.
	RedisAddr     string
	StatsCacheTTL time.Duration

	// KafkaBrokers задаётся списком через запятую; пустой отключает outbox и relay.
	KafkaBrokers string
	KafkaGroupID string

	JWTSecret string
	JWTIssuer string

	// AllowMockIntegrations подключает заглушки каталога и платёжного провайдера.
	AllowMockIntegrations bool

	RefundWindow          time.Duration
	CancelledRefundWindow time.Duration

	TrackingMode          string
	PollInterval          time.Duration
	SubscriptionIdleAfter time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxRetention    time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupBatchSize int

	// Расписания cron с секундами; пустая строка отключает задачу.
	IdempotencyCleanupSchedule string
	IdleSubscriptionsSchedule  string
	OutboxPurgeSchedule        string

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		StatsCacheTTL:               30 * time.Second,
		KafkaGroupID:                "ordertrack-relay",
		JWTSecret:                   "dev-secret-change-me",
		JWTIssuer:                   "ordertrack",
		RefundWindow:                domain.DefaultRefundWindow,
		CancelledRefundWindow:       domain.DefaultRefundWindow,
		TrackingMode:                TrackingModePush,
		PollInterval:                10 * time.Second,
		SubscriptionIdleAfter:       30 * time.Minute,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           10,
		OutboxRetryDelay:            time.Second,
		OutboxRetention:             7 * 24 * time.Hour,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupBatchSize: 500,
		IdempotencyCleanupSchedule:  "0 */10 * * * *",
		IdleSubscriptionsSchedule:   "0 * * * * *",
		OutboxPurgeSchedule:         "0 0 * * * *",
		ShutdownTimeout:             5 * time.Second,
	}
}

// Brokers разбирает KafkaBrokers.
func (c Config) Brokers() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Validate проверяет сочетания настроек, которые нельзя исправить значением по умолчанию.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%s is required for storage driver %q", envPostgresDSN, StorageDriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	switch c.TrackingMode {
	case TrackingModePush, TrackingModePoll:
	default:
		return fmt.Errorf("unsupported tracking mode %q", c.TrackingMode)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%s must not be empty", envJWTSecret)
	}
	return nil
}

type envLookup func(key string) (string, bool)

// LoadConfig читает .env (если есть) и переменные окружения.
// Некорректные значения не прерывают запуск: остаётся значение по умолчанию и warning.
func LoadConfig(envFiles ...string) (Config, []string) {
	var warnings []string
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		warnings = append(warnings, fmt.Sprintf("failed to load .env: %v", err))
	}
	cfg, envWarnings := readConfigFromEnv(os.LookupEnv)
	return cfg, append(warnings, envWarnings...)
}

func readConfigFromEnv(lookup envLookup) (Config, []string) {
	cfg := DefaultConfig()
	r := envReader{lookup: lookup}

	r.str(envHTTPAddr, &cfg.HTTPAddr)
	r.str(envGRPCAddr, &cfg.GRPCAddr)
	r.str(envMetricsAddr, &cfg.MetricsAddr)
	if r.str(envStorageDriver, &cfg.StorageDriver) {
		cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	}
	r.str(envPostgresDSN, &cfg.PostgresDSN)
	r.boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	r.str(envRedisAddr, &cfg.RedisAddr)
	r.duration(envStatsCacheTTL, &cfg.StatsCacheTTL, positiveDuration, "must be > 0")
	r.str(envKafkaBrokers, &cfg.KafkaBrokers)
	r.str(envKafkaGroupID, &cfg.KafkaGroupID)
	r.str(envJWTSecret, &cfg.JWTSecret)
	r.str(envJWTIssuer, &cfg.JWTIssuer)
	r.boolean(envAllowMockIntegrations, &cfg.AllowMockIntegrations)
	r.duration(envRefundWindow, &cfg.RefundWindow, positiveDuration, "must be > 0")
	r.duration(envCancelledRefundWindow, &cfg.CancelledRefundWindow, positiveDuration, "must be > 0")
	if r.str(envTrackingMode, &cfg.TrackingMode) {
		cfg.TrackingMode = strings.ToLower(cfg.TrackingMode)
	}
	r.duration(envPollInterval, &cfg.PollInterval, positiveDuration, "must be > 0")
	r.duration(envSubscriptionIdleAfter, &cfg.SubscriptionIdleAfter, positiveDuration, "must be > 0")
	r.duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	r.integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	r.integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	r.duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	r.duration(envOutboxRetention, &cfg.OutboxRetention, positiveDuration, "must be > 0")
	r.duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	r.integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")
	r.schedule(envIdempotencyCleanupSchedule, &cfg.IdempotencyCleanupSchedule)
	r.schedule(envIdleSubscriptionsSchedule, &cfg.IdleSubscriptionsSchedule)
	r.schedule(envOutboxPurgeSchedule, &cfg.OutboxPurgeSchedule)

	return cfg, r.warnings
}

type envReader struct {
	lookup   envLookup
	warnings []string
}

func (r *envReader) value(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// str возвращает true, если значение было задано.
func (r *envReader) str(key string, dst *string) bool {
	raw, ok := r.value(key)
	if ok {
		*dst = raw
	}
	return ok
}

// schedule допускает явную пустую строку: она отключает задачу.
func (r *envReader) schedule(key string, dst *string) {
	if raw, ok := r.lookup(key); ok {
		*dst = strings.TrimSpace(raw)
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	value, err := parseBool(raw)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = value
}

func (r *envReader) integer(key string, dst *int, valid func(int) bool, rule string) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	value, err := parseInt(raw, valid, rule)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = value
}

func (r *envReader) duration(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	value, err := parseDuration(raw, valid, rule)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = value
}

func (r *envReader) warn(key, raw string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
}

func positiveInt(v int) bool                   { return v > 0 }
func positiveDuration(v time.Duration) bool    { return v > 0 }
func nonNegativeDuration(v time.Duration) bool { return v >= 0 }

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}
