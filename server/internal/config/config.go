package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Guide        GuideConfig        `yaml:"guide"`
	Capture      CaptureConfig      `yaml:"capture"`
	Playback     PlaybackConfig     `yaml:"playback"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Theme        ThemeConfig        `yaml:"theme"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LocalGuideURL 返回本服务 /api/guide 的回环地址，通配监听地址换成 127.0.0.1。
func (s ServerConfig) LocalGuideURL() string {
	host := s.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(s.Port)) + "/api/guide"
}

// LLMConfig 生成急救指引用的大模型配置
type LLMConfig struct {
	Provider  string            `yaml:"provider"` // "openai", "anthropic", "gemini" 或留空（只用内置场景）
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
	Gemini    LLMProviderConfig `yaml:"gemini"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Active 返回当前 provider 对应的配置。
func (c LLMConfig) Active() (LLMProviderConfig, bool) {
	switch c.Provider {
	case "openai":
		return c.OpenAI, true
	case "anthropic":
		return c.Anthropic, true
	case "gemini":
		return c.Gemini, true
	}
	return LLMProviderConfig{}, false
}

// GuideConfig 指引查询相关配置
type GuideConfig struct {
	// Endpoint 是编排器查询指引的地址，留空时由 server 监听地址推出本服务的 /api/guide。
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// CatalogPath 为空时使用内置场景库。
	CatalogPath string `yaml:"catalog_path"`
	EnableLLM   bool   `yaml:"enable_llm"`
	MaxSteps    int    `yaml:"max_steps"`
}

type CaptureConfig struct {
	Locale string `yaml:"locale"`
}

type PlaybackConfig struct {
	PreferredVoices []string      `yaml:"preferred_voices"`
	FemaleHints     []string      `yaml:"female_hints"`
	Rate            float64       `yaml:"rate"`
	Pitch           float64       `yaml:"pitch"`
	Volume          float64       `yaml:"volume"`
	StopGrace       time.Duration `yaml:"stop_grace"`
}

type OrchestratorConfig struct {
	StepNarrationDelay time.Duration `yaml:"step_narration_delay"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	EventTimeout       time.Duration `yaml:"event_timeout"`
	AudioEnabled       bool          `yaml:"audio_enabled"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ThemeConfig struct {
	Path           string `yaml:"path"`
	DefaultMode    string `yaml:"default_mode"`
	SystemResolved string `yaml:"system_resolved"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default 返回一份可直接运行的配置（不接大模型，只用内置场景）。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		LLM: LLMConfig{
			OpenAI: LLMProviderConfig{
				APIURL:      "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.2,
				MaxTokens:   1200,
				Timeout:     20 * time.Second,
			},
			Anthropic: LLMProviderConfig{
				APIURL:      "https://api.anthropic.com/v1",
				Model:       "claude-3-5-haiku-latest",
				Temperature: 0.2,
				MaxTokens:   1200,
				Timeout:     20 * time.Second,
			},
			Gemini: LLMProviderConfig{
				Model:       "gemini-2.0-flash",
				Temperature: 0.2,
				MaxTokens:   1200,
				Timeout:     20 * time.Second,
			},
		},
		Guide: GuideConfig{
			Timeout:  25 * time.Second,
			MaxSteps: 8,
		},
		Capture: CaptureConfig{Locale: "en-US"},
		Playback: PlaybackConfig{
			PreferredVoices: []string{
				"Google UK English Female",
				"Microsoft Zira",
				"Samantha",
				"Karen",
				"Victoria",
			},
			FemaleHints: []string{"female", "woman", "zira", "samantha", "karen", "victoria", "susan", "moira", "tessa", "fiona"},
			Rate:        0.9,
			Pitch:       1.1,
			Volume:      1.0,
			StopGrace:   100 * time.Millisecond,
		},
		Orchestrator: OrchestratorConfig{
			StepNarrationDelay: 300 * time.Millisecond,
			QueueCapacity:      64,
			EventTimeout:       5 * time.Second,
			AudioEnabled:       true,
		},
		Gateway: GatewayConfig{
			PingInterval: 20 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Theme: ThemeConfig{
			Path:           "data/theme.yaml",
			DefaultMode:    "light",
			SystemResolved: "light",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load 从文件加载配置。path 为空时只使用默认值与环境变量。
// 文件中出现的字段覆盖默认值，缺省字段保持默认。
func Load(path string) (*Config, error) {
	// 本地开发时从 .env 读取密钥，文件不存在不算错误。
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	if cfg.Guide.Endpoint == "" {
		cfg.Guide.Endpoint = cfg.Server.LocalGuideURL()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息与常用开关
func applyEnv(cfg *Config) {
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = strings.ToLower(provider)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Anthropic.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.LLM.Gemini.APIKey = key
	}
	// LLM_API_KEY 作用于当前 provider
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.OpenAI.APIKey = key
		case "anthropic":
			cfg.LLM.Anthropic.APIKey = key
		case "gemini":
			cfg.LLM.Gemini.APIKey = key
		}
	}
	// HELPNOW_ADDR 形如 "host:port"，解析失败时保持原配置
	if addr := os.Getenv("HELPNOW_ADDR"); addr != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Server.Host = host
				cfg.Server.Port = p
			}
		}
	}
	if endpoint := os.Getenv("HELPNOW_GUIDE_ENDPOINT"); endpoint != "" {
		cfg.Guide.Endpoint = endpoint
	}
	if level := os.Getenv("HELPNOW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Guide.Endpoint == "" {
		return errors.New("guide endpoint is required")
	}
	if c.Guide.EnableLLM {
		provider, ok := c.LLM.Active()
		if !ok {
			return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
		}
		if provider.APIKey == "" {
			return fmt.Errorf("LLM API key is required for provider %s (set LLM_API_KEY env var or config)", c.LLM.Provider)
		}
	}
	if c.Capture.Locale == "" {
		return errors.New("capture locale is required")
	}
	if c.Playback.Rate <= 0 || c.Playback.Pitch <= 0 {
		return errors.New("playback rate and pitch must be positive")
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		return fmt.Errorf("playback volume must be within [0, 1], got %v", c.Playback.Volume)
	}
	if c.Playback.StopGrace < 0 || c.Orchestrator.StepNarrationDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if c.Orchestrator.QueueCapacity <= 0 {
		return errors.New("orchestrator queue capacity must be positive")
	}
	switch c.Theme.DefaultMode {
	case "light", "dark", "system":
	default:
		return fmt.Errorf("invalid theme default mode: %q", c.Theme.DefaultMode)
	}
	switch c.Theme.SystemResolved {
	case "light", "dark":
	default:
		return fmt.Errorf("invalid theme system resolution: %q", c.Theme.SystemResolved)
	}
	return nil
}
