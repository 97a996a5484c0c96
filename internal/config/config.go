package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// IngestionMode controls how a task's partition key is derived.
type IngestionMode string

const (
	// ModeIssueID keys tasks by the upstream issue id directly.
	ModeIssueID IngestionMode = "issueID"
	// ModeStableUID keys tasks by a sha256 over session, house and issue id.
	ModeStableUID IngestionMode = "stableUID"
)

// Config holds all configuration values. It is built once at process start
// and passed down; no component reads environment state directly.
type Config struct {
	// AWS connection
	AWSRegion    string
	AWSEndpoint  string // non-empty for localstack, forces path-style S3
	AWSAccessKey string
	AWSSecretKey string

	// Upstream meetings API
	DietAPIEndpoint  string
	MaxRecordsPage   int
	ChunkDays        int
	RequestInterval  time.Duration
	ResponseCacheDir string // empty disables the fetch cache

	// Task table / object storage / queue
	TaskTable      string
	PromptBucket   string
	PromptQueueURL string

	// Token budget
	MaxInputTokens   int
	TokenEncoding    string
	CountConcurrency int

	// Downstream LLM identity stamped on queued prompt tasks
	LLMProvider string
	LLMModel    string

	// Run trigger
	RunAPIKey     string
	ListenAddr    string
	IngestionMode IngestionMode

	// Notifications
	ErrorWebhook string
	WarnWebhook  string
	BatchWebhook string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		AWSRegion:    getEnv("AWS_REGION", "ap-northeast-3"),
		AWSEndpoint:  getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),

		DietAPIEndpoint:  getEnv("NATIONAL_DIET_API_ENDPOINT", "https://kokkai.ndl.go.jp/api/meeting"),
		MaxRecordsPage:   getEnvInt("MAX_RECORDS_PER_PAGE", 30),
		ChunkDays:        getEnvInt("FETCH_CHUNK_DAYS", 7),
		RequestInterval:  time.Duration(getEnvInt("REQUEST_INTERVAL_MS", 500)) * time.Millisecond,
		ResponseCacheDir: getEnv("DIET_API_CACHE_DIR", ""),

		TaskTable:      getEnv("LLM_TASK_TABLE", "politopics-llm-tasks"),
		PromptBucket:   getEnv("PROMPT_BUCKET", "politopics-prompts"),
		PromptQueueURL: getEnv("PROMPT_QUEUE_URL", ""),

		MaxInputTokens:   getEnvInt("MAX_INPUT_TOKENS", 100000),
		TokenEncoding:    getEnv("TOKEN_ENCODING", "cl100k_base"),
		CountConcurrency: getEnvInt("COUNT_CONCURRENCY", 8),

		LLMProvider: getEnv("LLM_PROVIDER", "gemini"),
		LLMModel:    getEnv("LLM_MODEL", "gemini-2.5-pro"),

		RunAPIKey:  getEnv("RUN_API_KEY", ""),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		ErrorWebhook: getEnv("WEBHOOK_ERROR", ""),
		WarnWebhook:  getEnv("WEBHOOK_WARN", ""),
		BatchWebhook: getEnv("WEBHOOK_BATCH", ""),

		LogFile:  getEnv("INGEST_LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("INGEST_LOG_LEVEL", "INFO")),
	}

	switch mode := getEnv("INGESTION_MODE", string(ModeStableUID)); IngestionMode(mode) {
	case ModeIssueID, ModeStableUID:
		cfg.IngestionMode = IngestionMode(mode)
	default:
		return Config{}, fmt.Errorf("INGESTION_MODE must be %q or %q (got %q)", ModeIssueID, ModeStableUID, mode)
	}

	if cfg.MaxInputTokens <= 0 {
		return Config{}, fmt.Errorf("MAX_INPUT_TOKENS must be positive (got %d)", cfg.MaxInputTokens)
	}
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = 1
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
