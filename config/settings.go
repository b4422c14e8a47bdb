package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/companion/internal/provider"
)

// Settings is the user-editable YAML file that replaces the desktop settings
// form. Every field is optional. An absent web_search_trigger keeps the
// default keyword; an explicit empty string turns the prefix off.
type Settings struct {
	Persona             PersonaSettings             `yaml:"persona"`
	TranslationLanguage string                      `yaml:"translation_language"`
	ActiveProvider      string                      `yaml:"active_provider"`
	WebSearchTrigger    *string                     `yaml:"web_search_trigger"`
	FastModels          map[string]string           `yaml:"fast_models"`
	Providers           map[string]ProviderOverride `yaml:"providers"`
}

type PersonaSettings struct {
	PetName     string `yaml:"pet_name"`
	PetNickname string `yaml:"pet_nickname"`
	OwnerName   string `yaml:"owner_name"`
	ChatPrompt  string `yaml:"chat_prompt"`
	ImagePrompt string `yaml:"image_prompt"`
}

// ProviderOverride changes selected fields of a stored provider config. Nil
// fields leave the stored value alone.
type ProviderOverride struct {
	Endpoint        *string  `yaml:"endpoint"`
	Model           *string  `yaml:"model"`
	Enabled         *bool    `yaml:"enabled"`
	EnableWebSearch *bool    `yaml:"enable_web_search"`
	MaxTokens       *int     `yaml:"max_tokens"`
	Temperature     *float64 `yaml:"temperature"`
	TopP            *float64 `yaml:"top_p"`
}

func (o ProviderOverride) Apply(cfg provider.Config) provider.Config {
	if o.Endpoint != nil {
		cfg.Endpoint = *o.Endpoint
	}
	if o.Model != nil {
		cfg.Model = *o.Model
	}
	if o.Enabled != nil {
		cfg.Enabled = *o.Enabled
	}
	if o.EnableWebSearch != nil {
		cfg.EnableWebSearch = *o.EnableWebSearch
	}
	if o.MaxTokens != nil {
		cfg.MaxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		cfg.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		cfg.TopP = *o.TopP
	}
	return cfg
}

// LoadSettings reads and validates the settings file. An empty path yields
// zero Settings.
func LoadSettings(path string) (Settings, error) {
	if strings.TrimSpace(path) == "" {
		return Settings{}, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Settings{}, fmt.Errorf("resolve settings path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file %q: %w", absPath, err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings file %q: %w", absPath, err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate performs strict sanity checks on the settings.
func (s Settings) Validate() error {
	switch s.TranslationLanguage {
	case "", "zh", "en", "ja", "ko":
	default:
		return fmt.Errorf("translation_language must be one of zh, en, ja or ko, got %q", s.TranslationLanguage)
	}
	if s.ActiveProvider != "" {
		if _, err := provider.ParseType(s.ActiveProvider); err != nil {
			return fmt.Errorf("active_provider: %w", err)
		}
	}
	for name, model := range s.FastModels {
		if _, err := provider.ParseType(name); err != nil {
			return fmt.Errorf("fast_models: %w", err)
		}
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("fast_models: model for %s must not be empty", name)
		}
	}
	for name, o := range s.Providers {
		t, err := provider.ParseType(name)
		if err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		if err := o.Apply(provider.DefaultConfig(t)).Validate(); err != nil {
			return fmt.Errorf("providers: %w", err)
		}
	}
	return nil
}

// FastModelsByType converts the fast_models map to provider types. Validate
// has already rejected unknown names.
func (s Settings) FastModelsByType() map[provider.Type]string {
	out := make(map[provider.Type]string, len(s.FastModels))
	for name, model := range s.FastModels {
		out[provider.Type(name)] = model
	}
	return out
}
