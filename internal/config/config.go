package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type StalkerConfig struct {
	Enabled                   bool
	DefaultProbability        float64
	MentionProbability        float64
	KeywordProbability        float64
	MinMessagesBetweenReplies int
	MaxRepliesPerHour         int
	SilenceThresholdMinutes   int
}

type ContinuityConfig struct {
	Enabled               bool
	MaxMessages           int
	MaxDurationSec        int
	MaxConsecutiveReplies int
}

type Config struct {
	Environment string
	DataDir     string
	DBPath      string

	AgentIDs       []string
	AgentNicknames []string
	ReplyKeywords  []string
	CommandPrefix  string

	MaxHistoryLength    int
	MaxMessageLength    int
	MinReplyIntervalSec int
	RateLimitTokens     int
	RateLimitWindowSec  int
	ImageCacheTTLSec    int

	Stalker    StalkerConfig
	Continuity ContinuityConfig

	MaxMemoryTokens         int
	MemoryCompressThreshold int
	MemoryCompressCron      string
	GroupSenderMemoryCap    int
	GroupContextCap         int
	SharedContextKeywords   []string

	CapabilityTimeoutSec int

	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	LLMJudgeModel  string
	LLMMemoryModel string
	LLMTimeoutSec  int

	EventStreamURL   string
	EventStreamToken string

	OverridesFile string
}

func FromEnv() Config {
	dataDir := stringOrDefault("WISP_DATA_DIR", "/data")
	dbPath := stringOrDefault("WISP_DB_PATH", filepath.Join(dataDir, "wisp", "wisp.sqlite"))

	return Config{
		Environment: stringOrDefault("WISP_ENV", "development"),
		DataDir:     dataDir,
		DBPath:      dbPath,

		AgentIDs:       csvOrDefault("WISP_AGENT_IDS", nil),
		AgentNicknames: csvOrDefault("WISP_AGENT_NICKNAMES", nil),
		ReplyKeywords:  csvOrDefault("WISP_REPLY_KEYWORDS", nil),
		CommandPrefix:  stringOrDefault("WISP_COMMAND_PREFIX", "/"),

		MaxHistoryLength:    intOrDefault("WISP_MAX_HISTORY_LENGTH", 20),
		MaxMessageLength:    intOrDefault("WISP_MAX_MESSAGE_LENGTH", 1000),
		MinReplyIntervalSec: intOrDefault("WISP_MIN_REPLY_INTERVAL_SECONDS", 10),
		RateLimitTokens:     intOrDefault("WISP_RATE_LIMIT_TOKENS", 20000),
		RateLimitWindowSec:  intOrDefault("WISP_RATE_LIMIT_WINDOW_SECONDS", 60),
		ImageCacheTTLSec:    intOrDefault("WISP_IMAGE_CACHE_TTL_SECONDS", 60),

		Stalker: StalkerConfig{
			Enabled:                   boolOrDefault("WISP_STALKER_ENABLED", true),
			DefaultProbability:        probabilityOrDefault("WISP_STALKER_DEFAULT_PROBABILITY", 0.03),
			MentionProbability:        probabilityOrDefault("WISP_STALKER_MENTION_PROBABILITY", 0.8),
			KeywordProbability:        probabilityOrDefault("WISP_STALKER_KEYWORD_PROBABILITY", 0.5),
			MinMessagesBetweenReplies: intOrDefault("WISP_STALKER_MIN_MESSAGES_BETWEEN_REPLIES", 15),
			MaxRepliesPerHour:         intOrDefault("WISP_STALKER_MAX_REPLIES_PER_HOUR", 8),
			SilenceThresholdMinutes:   intOrDefault("WISP_STALKER_SILENCE_THRESHOLD_MINUTES", 30),
		},
		Continuity: ContinuityConfig{
			Enabled:               boolOrDefault("WISP_CONTINUITY_ENABLED", true),
			MaxMessages:           intOrDefault("WISP_CONTINUITY_MAX_MESSAGES", 3),
			MaxDurationSec:        intOrDefault("WISP_CONTINUITY_MAX_DURATION_SECONDS", 120),
			MaxConsecutiveReplies: intOrDefault("WISP_CONTINUITY_MAX_CONSECUTIVE_REPLIES", 2),
		},

		MaxMemoryTokens:         intOrDefault("WISP_MAX_MEMORY_TOKENS", 10000),
		MemoryCompressThreshold: intOrDefault("WISP_MEMORY_COMPRESS_THRESHOLD", 50),
		MemoryCompressCron:      stringOrDefault("WISP_MEMORY_COMPRESS_CRON", "0 4 * * *"),
		GroupSenderMemoryCap:    intOrDefault("WISP_GROUP_SENDER_MEMORY_CAP", 10),
		GroupContextCap:         intOrDefault("WISP_GROUP_CONTEXT_CAP", 20),
		SharedContextKeywords:   csvOrDefault("WISP_SHARED_CONTEXT_KEYWORDS", []string{"rule", "event", "announcement", "schedule"}),

		CapabilityTimeoutSec: intOrDefault("WISP_CAPABILITY_TIMEOUT_SECONDS", 20),

		LLMBaseURL:     stringOrDefault("WISP_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:      strings.TrimSpace(os.Getenv("WISP_LLM_API_KEY")),
		LLMModel:       stringOrDefault("WISP_LLM_MODEL", "gpt-4o-mini"),
		LLMJudgeModel:  strings.TrimSpace(os.Getenv("WISP_LLM_JUDGE_MODEL")),
		LLMMemoryModel: strings.TrimSpace(os.Getenv("WISP_LLM_MEMORY_MODEL")),
		LLMTimeoutSec:  intOrDefault("WISP_LLM_TIMEOUT_SECONDS", 60),

		EventStreamURL:   strings.TrimSpace(os.Getenv("WISP_EVENT_STREAM_URL")),
		EventStreamToken: os.Getenv("WISP_EVENT_STREAM_TOKEN"),

		OverridesFile: strings.TrimSpace(os.Getenv("WISP_OVERRIDES_FILE")),
	}
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func probabilityOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}

func csvOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			cleaned = append(cleaned, part)
		}
	}
	if len(cleaned) == 0 {
		return fallback
	}
	return cleaned
}
