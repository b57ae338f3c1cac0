package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shintt/article.ui/internal/handlers"
	"github.com/shintt/article.ui/internal/render"
	"github.com/shintt/article.ui/internal/services"
	"github.com/shintt/article.ui/internal/session"
	"gopkg.in/yaml.v3"
)

type upstreamConfig interface {
	upstream(systemPrompt string, logger *slog.Logger) (session.Upstream, error)
}

// BaseUpstreamConfig contains the common fields for all upstream configurations.
type BaseUpstreamConfig struct {
	Provider string `yaml:"provider"`
}

// BaseLLMConfig contains the common fields for the LLM provider configurations.
type BaseLLMConfig struct {
	BaseUpstreamConfig `yaml:",inline"`
	Model              string                 `yaml:"model"`
	Parameters         services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string         `yaml:"port"`
	Variant      string         `yaml:"variant"`
	SystemPrompt string         `yaml:"systemPrompt"`
	SessionGrace time.Duration  `yaml:"sessionGrace"`
	Log          logConfig      `yaml:"log"`
	Upstream     upstreamConfig `yaml:"upstream"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type dataStreamConfig struct {
	BaseUpstreamConfig `yaml:",inline"`
	URL                string `yaml:"url"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	defaultPort       = "3000"
	defaultOllamaHost = "http://127.0.0.1:11434"
)

func defaultConfig() config {
	return config{
		Port:         defaultPort,
		Variant:      render.PresetComponent.Name,
		SessionGrace: handlers.DefaultUnmountGrace,
		Log:          logConfig{Level: "info", Format: "text"},
		Upstream:     &dataStreamConfig{BaseUpstreamConfig: BaseUpstreamConfig{Provider: "datastream"}},
	}
}

// loadConfig reads the configuration at path. A missing file yields the defaults.
func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return parseConfig(f)
}

func parseConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return defaultConfig(), nil
		}
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		Variant      string         `yaml:"variant"`
		SystemPrompt string         `yaml:"systemPrompt"`
		SessionGrace *time.Duration `yaml:"sessionGrace"`
		Log          logConfig      `yaml:"log"`
		Upstream     map[string]any `yaml:"upstream"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	*c = defaultConfig()
	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.Variant != "" {
		c.Variant = rawConfig.Variant
	}
	if rawConfig.Log.Level != "" {
		c.Log.Level = rawConfig.Log.Level
	}
	if rawConfig.Log.Format != "" {
		c.Log.Format = rawConfig.Log.Format
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	// An explicit zero keeps detached sessions until shutdown.
	if rawConfig.SessionGrace != nil {
		c.SessionGrace = *rawConfig.SessionGrace
	}

	if rawConfig.Upstream == nil {
		return nil
	}

	provider, ok := rawConfig.Upstream["provider"].(string)
	if !ok {
		return fmt.Errorf("upstream provider is required")
	}

	upstreamRawYAML, err := yaml.Marshal(rawConfig.Upstream)
	if err != nil {
		return err
	}

	var upstream upstreamConfig
	switch provider {
	case "datastream":
		upstream = &dataStreamConfig{}
	case "ollama":
		upstream = &ollamaConfig{}
	case "openai":
		upstream = &openAIConfig{}
	case "openrouter":
		upstream = &openRouterConfig{}
	case "anthropic":
		upstream = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown upstream provider: %s", provider)
	}

	if err := yaml.Unmarshal(upstreamRawYAML, upstream); err != nil {
		return err
	}

	c.Upstream = upstream

	return nil
}

func (c config) preset() (render.Preset, error) {
	return render.PresetByName(c.Variant)
}

func (l logConfig) handler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", l.Format)
	}
}

func (d dataStreamConfig) upstream(_ string, logger *slog.Logger) (session.Upstream, error) {
	url := d.URL
	if url == "" {
		url = os.Getenv("CHAT_API_URL")
	}
	if url == "" {
		url = services.DefaultDataStreamURL
	}
	return services.NewDataStream(url, logger), nil
}

func (o ollamaConfig) upstream(systemPrompt string, logger *slog.Logger) (session.Upstream, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) upstream(systemPrompt string, logger *slog.Logger) (session.Upstream, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openRouterConfig) upstream(systemPrompt string, logger *slog.Logger) (session.Upstream, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) upstream(systemPrompt string, logger *slog.Logger) (session.Upstream, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, systemPrompt, a.MaxTokens, a.Parameters, logger), nil
}
