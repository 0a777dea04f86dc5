package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level configuration, populated from environment variables.
type Config struct {
	Server       ServerConfig
	LLM          LLMConfig
	Conversation ConversationConfig
	Memory       MemoryConfig
	AgentsFile   string
	LogLevel     string
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// LLMConfig selects and parameterizes the text-generation provider.
// Provider is one of "vllm", "openai", "ollama"; all three speak the
// OpenAI-compatible chat completions protocol.
type LLMConfig struct {
	Provider string

	VLLMURL              string
	VLLMModel            string
	VLLMMaxTokens        int
	VLLMTemperature      float64
	VLLMTopP             float64
	VLLMFrequencyPenalty float64
	VLLMPresencePenalty  float64

	OpenAIAPIKey string
	OpenAIModel  string

	OllamaURL   string
	OllamaModel string

	EnableStreaming bool
}

type ConversationConfig struct {
	MaxTurns     int
	TurnInterval time.Duration
	HistoryLimit int
	ContextLimit int
	Unlimited    bool
}

// MemoryConfig selects the conversation store backend.
// Type is one of "inmemory", "redis", "postgresql".
type MemoryConfig struct {
	Type        string
	RedisURL    string
	PostgresURL string
}

// Load reads configuration from the environment, applying defaults and
// validating cross-field constraints. A variable that is set but does not
// parse fails startup rather than silently taking the default.
func Load() (*Config, error) {
	var env envReader
	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("HOST", "0.0.0.0"),
			Port:        env.getInt("PORT", 8000),
			CORSOrigins: splitOrigins(getEnv("CORS_ORIGINS", "*")),
		},
		LLM: LLMConfig{
			Provider:             getEnv("LLM_PROVIDER", "vllm"),
			VLLMURL:              getEnv("VLLM_URL", "http://localhost:8080/v1"),
			VLLMModel:            getEnv("VLLM_MODEL", "default"),
			VLLMMaxTokens:        env.getInt("VLLM_MAX_TOKENS", 512),
			VLLMTemperature:      env.getFloat("VLLM_TEMPERATURE", 0.7),
			VLLMTopP:             env.getFloat("VLLM_TOP_P", 0.9),
			VLLMFrequencyPenalty: env.getFloat("VLLM_FREQUENCY_PENALTY", 0),
			VLLMPresencePenalty:  env.getFloat("VLLM_PRESENCE_PENALTY", 0),
			OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
			OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			OllamaURL:            getEnv("OLLAMA_URL", "http://localhost:11434/v1"),
			OllamaModel:          getEnv("OLLAMA_MODEL", "llama3"),
			EnableStreaming:      env.getBool("ENABLE_STREAMING", false),
		},
		Conversation: ConversationConfig{
			MaxTurns:     env.getInt("CONVERSATION_MAX_TURNS", 10),
			TurnInterval: time.Duration(env.getFloat("CONVERSATION_TURN_INTERVAL", 2.0) * float64(time.Second)),
			HistoryLimit: env.getInt("CONVERSATION_HISTORY_LIMIT", 50),
			ContextLimit: env.getInt("CONVERSATION_CONTEXT_LIMIT", 10),
			Unlimited:    env.getBool("CONVERSATION_UNLIMITED", false),
		},
		Memory: MemoryConfig{
			Type:        getEnv("MEMORY_TYPE", "inmemory"),
			RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		AgentsFile: getEnv("AGENTS_FILE", "agents.json"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
	}

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "vllm", "openai", "ollama":
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	switch c.Memory.Type {
	case "inmemory", "redis", "postgresql":
	default:
		return fmt.Errorf("unsupported memory type: %q", c.Memory.Type)
	}
	if c.LLM.Provider == "openai" && c.LLM.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
	}
	if c.Memory.Type == "postgresql" && c.Memory.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required when MEMORY_TYPE=postgresql")
	}
	if c.Conversation.HistoryLimit <= 0 {
		return fmt.Errorf("CONVERSATION_HISTORY_LIMIT must be positive")
	}
	if c.Conversation.ContextLimit <= 0 {
		return fmt.Errorf("CONVERSATION_CONTEXT_LIMIT must be positive")
	}
	if c.Conversation.ContextLimit > c.Conversation.HistoryLimit {
		return fmt.Errorf("CONVERSATION_CONTEXT_LIMIT (%d) must not exceed CONVERSATION_HISTORY_LIMIT (%d)",
			c.Conversation.ContextLimit, c.Conversation.HistoryLimit)
	}
	if c.Conversation.MaxTurns < 0 {
		return fmt.Errorf("CONVERSATION_MAX_TURNS must not be negative")
	}
	if c.Conversation.TurnInterval < 0 {
		return fmt.Errorf("CONVERSATION_TURN_INTERVAL must not be negative")
	}
	return nil
}

// Endpoint returns the chat-completions base URL for the selected provider.
func (c *LLMConfig) Endpoint() string {
	switch c.Provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "ollama":
		return c.OllamaURL
	default:
		return c.VLLMURL
	}
}

// Model returns the model name for the selected provider.
func (c *LLMConfig) Model() string {
	switch c.Provider {
	case "openai":
		return c.OpenAIModel
	case "ollama":
		return c.OllamaModel
	default:
		return c.VLLMModel
	}
}

// DefaultMaxTurns returns the max turn count applied when a creation request
// does not specify one. Unlimited mode maps to 0.
func (c *Config) DefaultMaxTurns() int {
	if c.Conversation.Unlimited {
		return 0
	}
	return c.Conversation.MaxTurns
}

func splitOrigins(s string) []string {
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envReader reads typed environment variables and collects parse failures so
// Load reports them all at once.
type envReader struct {
	problems []string
}

func (r *envReader) getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not an integer", key, v))
		return fallback
	}
	return n
}

func (r *envReader) getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a number", key, v))
		return fallback
	}
	return f
}

func (r *envReader) getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (r *envReader) err() error {
	if len(r.problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %s", strings.Join(r.problems, "; "))
}
