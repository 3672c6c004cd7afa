// Package config loads the sync engine's configuration from environment
// variables, with an optional .env overlay, following the explicit
// read-with-default style used throughout this codebase's loaders.
package config

import "time"

// Config is the full set of tunables the sync engine needs at boot.
type Config struct {
	Postgres   PostgresConfig
	Qdrant     QdrantConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Anthropic  AnthropicConfig
	OpenAI     OpenAIConfig
	S3         S3Config
	Mail       MailConfig
	Push       PushConfig
	Scheduler  SchedulerConfig
	Telemetry  TelemetryConfig
	LogLevel   string
}

// PostgresConfig addresses the Record Store (C2).
type PostgresConfig struct {
	DSN string
}

// QdrantConfig addresses the Vector Index (C3).
type QdrantConfig struct {
	DSN        string
	Collection string
	Dimensions int
	Metric     string
}

// RedisConfig backs Scheduler (C10) cross-process coordination.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig carries Push Handler (C8) -> Pipeline (C7) transport.
type KafkaConfig struct {
	Brokers       []string
	IngestTopic   string
	GroupID       string
	WorkerCount   int
}

// AnthropicConfig feeds the Classifier (C5) and chunk summariser (C4).
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// OpenAIConfig feeds the Embedder (C6).
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Dimensions int
	BaseURL    string
}

// S3Config backs the Drive provider adapter's object storage.
type S3Config struct {
	Bucket                string
	Region                string
	Endpoint              string
	AccessKey             string
	SecretKey             string
	Prefix                string
	UsePathStyle          bool
	TLSInsecureSkipVerify bool
	SSE                   S3SSEConfig
}

// S3SSEConfig selects server-side encryption for objects the Drive adapter
// writes through internal/objectstore. Mode "none" (the default) applies
// no SSE header; "sse-s3" requests AES256; "sse-kms" requests
// aws:kms, optionally pinned to KMSKeyID.
type S3SSEConfig struct {
	Mode     string
	KMSKeyID string
}

// TelemetryConfig names this deployment for the OpenTelemetry resource
// attributes attached to every span and metric point.
type TelemetryConfig struct {
	ServiceName string
}

// MailConfig carries the deployment-fixed domain used by the virtual
// address grammar ai+<username>@<domain>.
type MailConfig struct {
	Domain string
}

// PushConfig carries provider push-callback JWT verification parameters.
type PushConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
}

// SchedulerConfig tunes the adaptive cadence and worker pool.
type SchedulerConfig struct {
	PollerConcurrencyPerUser int           // K in §4.9, default 4
	WorkerPoolSize           int           // bounded worker pool, §5
	WatchScanInterval        time.Duration // default 6h
	WatchRenewWindow         time.Duration // renew watches expiring within this window, default 25h
	InactivityThreshold      time.Duration // suspend after this long with no activity, default 14d
	PipelineDeadline         time.Duration // default 60s
	ProviderCallDeadline     time.Duration // default 10s
	EmbeddingBatchDeadline   time.Duration // default 30s
}
