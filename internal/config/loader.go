package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables (optionally .env).
// Mirrors the rest of this codebase's loaders: Overload so a local .env
// deterministically controls development behavior, explicit TrimSpace'd
// reads per field, defaults applied after the read pass.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Postgres.DSN = strings.TrimSpace(os.Getenv("SYNC_POSTGRES_DSN"))

	cfg.Qdrant.DSN = strings.TrimSpace(os.Getenv("SYNC_QDRANT_DSN"))
	cfg.Qdrant.Collection = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_QDRANT_COLLECTION")), "sync_items")
	cfg.Qdrant.Dimensions = envInt("SYNC_EMBED_DIMENSIONS", 1536)
	cfg.Qdrant.Metric = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_QDRANT_METRIC")), "cosine")

	cfg.Redis.Addr = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_REDIS_ADDR")), "localhost:6379")
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("SYNC_REDIS_PASSWORD"))
	cfg.Redis.DB = envInt("SYNC_REDIS_DB", 0)

	if v := strings.TrimSpace(os.Getenv("SYNC_KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = splitAndTrim(v)
	}
	cfg.Kafka.IngestTopic = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_KAFKA_INGEST_TOPIC")), "sync.ingest")
	cfg.Kafka.GroupID = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_KAFKA_GROUP_ID")), "sync-engine")
	cfg.Kafka.WorkerCount = envInt("SYNC_KAFKA_WORKERS", 8)

	cfg.Anthropic.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.Anthropic.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_ANTHROPIC_MODEL")), "claude-3-5-sonnet-latest")

	cfg.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAI.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_EMBED_MODEL")), "text-embedding-3-small")
	cfg.OpenAI.Dimensions = cfg.Qdrant.Dimensions
	cfg.OpenAI.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))

	cfg.S3.Bucket = strings.TrimSpace(os.Getenv("SYNC_S3_BUCKET"))
	cfg.S3.Region = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_S3_REGION")), "us-east-1")
	cfg.S3.Endpoint = strings.TrimSpace(os.Getenv("SYNC_S3_ENDPOINT"))
	cfg.S3.AccessKey = strings.TrimSpace(os.Getenv("SYNC_S3_ACCESS_KEY"))
	cfg.S3.SecretKey = strings.TrimSpace(os.Getenv("SYNC_S3_SECRET_KEY"))
	cfg.S3.Prefix = strings.TrimSpace(os.Getenv("SYNC_S3_PREFIX"))
	cfg.S3.UsePathStyle = envBool("SYNC_S3_PATH_STYLE", true)
	cfg.S3.TLSInsecureSkipVerify = envBool("SYNC_S3_TLS_INSECURE_SKIP_VERIFY", false)
	cfg.S3.SSE.Mode = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_S3_SSE_MODE")), "none")
	cfg.S3.SSE.KMSKeyID = strings.TrimSpace(os.Getenv("SYNC_S3_SSE_KMS_KEY_ID"))

	cfg.Mail.Domain = strings.TrimSpace(os.Getenv("SYNC_MAIL_DOMAIN"))

	cfg.Push.JWKSURL = strings.TrimSpace(os.Getenv("SYNC_PUSH_JWKS_URL"))
	cfg.Push.Issuer = strings.TrimSpace(os.Getenv("SYNC_PUSH_ISSUER"))
	cfg.Push.Audience = strings.TrimSpace(os.Getenv("SYNC_PUSH_AUDIENCE"))

	cfg.Scheduler.PollerConcurrencyPerUser = envInt("SYNC_POLLER_CONCURRENCY", 4)
	cfg.Scheduler.WorkerPoolSize = envInt("SYNC_WORKER_POOL_SIZE", 32)
	cfg.Scheduler.WatchScanInterval = envDuration("SYNC_WATCH_SCAN_INTERVAL", 6*time.Hour)
	cfg.Scheduler.WatchRenewWindow = envDuration("SYNC_WATCH_RENEW_WINDOW", 25*time.Hour)
	cfg.Scheduler.InactivityThreshold = envDuration("SYNC_INACTIVITY_THRESHOLD", 14*24*time.Hour)
	cfg.Scheduler.PipelineDeadline = envDuration("SYNC_PIPELINE_DEADLINE", 60*time.Second)
	cfg.Scheduler.ProviderCallDeadline = envDuration("SYNC_PROVIDER_CALL_DEADLINE", 10*time.Second)
	cfg.Scheduler.EmbeddingBatchDeadline = envDuration("SYNC_EMBED_BATCH_DEADLINE", 30*time.Second)

	cfg.Telemetry.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("SYNC_SERVICE_NAME")), "aisync")

	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info")

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
