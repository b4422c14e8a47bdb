// Package companion routes chat, image and translation requests to the active
// AI provider and keeps the conversation they share.
package companion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/companion/internal/health"
	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/provider/factory"
	"github.com/vnmchuo/companion/internal/store"
	"github.com/vnmchuo/companion/internal/usage"
	"github.com/vnmchuo/companion/pkg/ratelimit"
)

// DefaultFastModels are the models used for translation where the vendor has
// a cheaper sibling of its default model.
var DefaultFastModels = map[provider.Type]string{
	provider.TypeGemini:    "gemini-2.0-flash",
	provider.TypeAnthropic: "claude-haiku-4-5",
}

var translationGeneration = provider.GenerationConfig{
	MaxTokens:       2048,
	Temperature:     0.3,
	TopP:            0.9,
	EnableWebSearch: false,
}

type Options struct {
	Store    store.Store
	Settings factory.Settings

	Persona    Persona
	Language   TranslationLanguage
	FastModels map[provider.Type]string

	// Optional collaborators.
	Limiter        *ratelimit.Limiter
	Usage          *usage.Recorder
	Health         *health.Checker
	Tracer         trace.Tracer
	BreakerTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type Manager struct {
	store      store.Store
	settings   factory.Settings
	fastModels map[provider.Type]string

	mu         sync.Mutex
	active     provider.Type
	config     provider.Config
	adapter    provider.Adapter
	translator provider.Adapter
	persona    Persona
	language   TranslationLanguage

	history History

	limiter  *ratelimit.Limiter
	breakers *breakers
	usage    *usage.Recorder
	health   *health.Checker
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Manager and resolves the active adapter from the store.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("companion: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Settings.Logger == nil {
		opts.Settings.Logger = opts.Logger
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("companion")
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker(health.DefaultTimeout, opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Language == "" {
		opts.Language = LanguageChinese
	}

	fast := make(map[provider.Type]string, len(DefaultFastModels)+len(opts.FastModels))
	for t, model := range DefaultFastModels {
		fast[t] = model
	}
	for t, model := range opts.FastModels {
		fast[t] = model
	}

	m := &Manager{
		store:      opts.Store,
		settings:   opts.Settings,
		fastModels: fast,
		persona:    opts.Persona.withDefaults(),
		language:   opts.Language,
		limiter:    opts.Limiter,
		breakers:   newBreakers(opts.BreakerTimeout, opts.Logger),
		usage:      opts.Usage,
		health:     opts.Health,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Refresh rebuilds the active adapter from the stored active type, its config
// and its API key. A stream running on the old adapter is cancelled.
func (m *Manager) Refresh(ctx context.Context) error {
	t, err := m.store.ActiveType(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active provider: %w", err)
	}
	a, cfg, err := m.build(ctx, t, "")
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.adapter
	m.active, m.config, m.adapter = t, cfg, a
	m.mu.Unlock()

	if old != nil {
		old.CancelCurrentRequest()
	}
	m.logger.Info("active provider switched", "provider", t, "model", cfg.Model, "configured", a.IsConfigured())
	return nil
}

// build creates a fresh adapter for t, optionally overriding its model.
func (m *Manager) build(ctx context.Context, t provider.Type, model string) (provider.Adapter, provider.Config, error) {
	cfg, err := m.store.GetConfig(ctx, t)
	if err != nil {
		return nil, provider.Config{}, fmt.Errorf("failed to load %s config: %w", t, err)
	}
	key, _, err := m.store.GetAPIKey(ctx, t)
	if err != nil {
		return nil, provider.Config{}, fmt.Errorf("failed to load %s api key: %w", t, err)
	}
	if model != "" {
		cfg.Model = model
	}
	a, err := factory.New(cfg, key, m.settings)
	if err != nil {
		return nil, provider.Config{}, err
	}
	return a, cfg, nil
}

func (m *Manager) current() (provider.Adapter, provider.Config, Persona) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapter, m.config, m.persona
}

// ChatStream sends message with the shared history and records the reply on
// success.
func (m *Manager) ChatStream(ctx context.Context, message string, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	a, cfg, persona := m.current()

	turns := m.history.Append(provider.RoleUser, message)

	req := provider.Request{
		Message:      message,
		History:      turns[:len(turns)-1],
		SystemPrompt: persona.ChatSystemPrompt(m.now()),
		Generation:   cfg.Generation(),
	}

	m.run(ctx, usage.OperationChat, a, utf8.RuneCountInString(message), onUpdate,
		func(text string, err error) {
			if err == nil {
				m.history.Append(provider.RoleAssistant, text)
			}
			if onComplete != nil {
				onComplete(text, err)
			}
		},
		func(ctx context.Context, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
			a.ChatStream(ctx, req, onUpdate, onComplete)
		})
}

// AnalyzeImageStream asks the active provider about an image. Only the
// question is kept in history.
func (m *Manager) AnalyzeImageStream(ctx context.Context, imageBase64, question string, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	a, cfg, persona := m.current()

	m.history.Append(provider.RoleUser, "[image] "+question)

	req := provider.ImageRequest{
		ImageBase64:  imageBase64,
		Question:     question,
		SystemPrompt: persona.ImageSystemPrompt(),
		Generation:   cfg.Generation(),
	}

	m.run(ctx, usage.OperationImage, a, utf8.RuneCountInString(question), onUpdate,
		func(text string, err error) {
			if err == nil {
				m.history.Append(provider.RoleAssistant, text)
			}
			if onComplete != nil {
				onComplete(text, err)
			}
		},
		func(ctx context.Context, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
			a.AnalyzeImageStream(ctx, req, onUpdate, onComplete)
		})
}

// TranslateStream translates text into the configured language on a
// throwaway adapter. It never reads or writes the history.
func (m *Manager) TranslateStream(ctx context.Context, text string, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if onComplete == nil {
		onComplete = func(string, error) {}
	}

	m.mu.Lock()
	t, lang := m.active, m.language
	m.mu.Unlock()

	a, _, err := m.build(ctx, t, m.fastModels[t])
	if err != nil {
		onComplete("", err)
		return
	}

	m.mu.Lock()
	prev := m.translator
	m.translator = a
	m.mu.Unlock()
	if prev != nil {
		prev.CancelCurrentRequest()
	}

	req := provider.Request{
		Message:      translationPrompt(lang, text),
		SystemPrompt: translatorSystemPrompt,
		Generation:   translationGeneration,
	}

	m.run(ctx, usage.OperationTranslate, a, utf8.RuneCountInString(req.Message), onUpdate,
		func(text string, err error) {
			m.mu.Lock()
			if m.translator == a {
				m.translator = nil
			}
			m.mu.Unlock()
			onComplete(text, err)
		},
		func(ctx context.Context, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
			a.ChatStream(ctx, req, onUpdate, onComplete)
		})
}

// CancelTranslation aborts the running translation, if any. The active
// adapter is left alone.
func (m *Manager) CancelTranslation() {
	m.mu.Lock()
	a := m.translator
	m.mu.Unlock()
	if a != nil {
		a.CancelCurrentRequest()
	}
}

func (m *Manager) CancelCurrentRequest() {
	a, _, _ := m.current()
	if a != nil {
		a.CancelCurrentRequest()
	}
}

type startFunc func(ctx context.Context, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc)

// run wraps one stream with the rate limiter, the circuit breaker, a span and
// a usage record.
func (m *Manager) run(ctx context.Context, op string, a provider.Adapter, promptChars int, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc, start startFunc) {
	if onUpdate == nil {
		onUpdate = func(string) {}
	}
	if onComplete == nil {
		onComplete = func(string, error) {}
	}
	if a == nil {
		onComplete("", provider.ErrNotConfigured)
		return
	}

	typ, model := a.Type(), a.Model()
	ctx, span := m.tracer.Start(ctx, "companion."+op, trace.WithAttributes(
		attribute.String("provider", string(typ)),
		attribute.String("model", model),
		attribute.Int("prompt_chars", promptChars),
	))
	began := m.now()

	finish := func(text string, err error) {
		kind := provider.KindOf(err)
		outcome := usage.OutcomeOK
		if err != nil {
			outcome = string(kind)
			if kind != provider.KindCancelled {
				span.RecordError(err)
				span.SetStatus(codes.Error, outcome)
			}
		}
		span.SetAttributes(
			attribute.String("outcome", outcome),
			attribute.Int("response_chars", utf8.RuneCountInString(text)),
		)
		span.End()

		latency := m.now().Sub(began)
		m.usage.Record(usage.Log{
			Provider:      string(typ),
			Model:         model,
			Operation:     op,
			PromptChars:   promptChars,
			ResponseChars: utf8.RuneCountInString(text),
			LatencyMs:     latency.Milliseconds(),
			Outcome:       outcome,
		})
		if err != nil && kind != provider.KindCancelled {
			m.logger.Warn("stream failed", "operation", op, "provider", typ, "model", model, "kind", kind, "error", err)
		} else {
			m.logger.Debug("stream finished", "operation", op, "provider", typ, "model", model, "outcome", outcome, "latency", latency)
		}
		onComplete(text, err)
	}

	// Unconfigured adapters fail on their own without spending quota.
	if !a.IsConfigured() {
		start(ctx, onUpdate, finish)
		return
	}

	allowed, err := m.limiter.Allow(ctx, string(typ), ratelimit.EstimateTokens(promptChars))
	if err != nil {
		m.logger.Warn("rate limiter unavailable, allowing request", "provider", typ, "error", err)
	} else if !allowed {
		a.CancelCurrentRequest()
		finish("", fmt.Errorf("%w: local budget for %s exhausted", provider.ErrRateLimited, typ))
		return
	}

	done, err := m.breakers.allow(typ)
	if err != nil {
		a.CancelCurrentRequest()
		finish("", err)
		return
	}

	start(ctx, onUpdate, func(text string, err error) {
		done(err)
		finish(text, err)
	})
}

func (m *Manager) ActiveProvider() provider.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) SetActiveProvider(ctx context.Context, t provider.Type) error {
	if _, err := provider.ParseType(string(t)); err != nil {
		return err
	}
	if err := m.store.SetActiveType(ctx, t); err != nil {
		return err
	}
	return m.Refresh(ctx)
}

func (m *Manager) Config(ctx context.Context, t provider.Type) (provider.Config, error) {
	return m.store.GetConfig(ctx, t)
}

// UpdateConfig persists cfg and rebuilds the active adapter when cfg belongs
// to it.
func (m *Manager) UpdateConfig(ctx context.Context, cfg provider.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := m.store.UpdateConfig(ctx, cfg); err != nil {
		return err
	}
	return m.refreshIfActive(ctx, cfg.Type)
}

func (m *Manager) SaveAPIKey(ctx context.Context, t provider.Type, key string) error {
	if err := m.store.SaveAPIKey(ctx, t, key); err != nil {
		return err
	}
	return m.refreshIfActive(ctx, t)
}

func (m *Manager) DeleteAPIKey(ctx context.Context, t provider.Type) error {
	if err := m.store.DeleteAPIKey(ctx, t); err != nil {
		return err
	}
	return m.refreshIfActive(ctx, t)
}

func (m *Manager) refreshIfActive(ctx context.Context, t provider.Type) error {
	if m.ActiveProvider() != t {
		return nil
	}
	return m.Refresh(ctx)
}

func (m *Manager) IsConfigured() bool {
	a, _, _ := m.current()
	return a != nil && a.IsConfigured()
}

func (m *Manager) History() []provider.Turn {
	return m.history.Snapshot()
}

func (m *Manager) ClearHistory() {
	m.history.Clear()
	m.logger.Info("chat history cleared")
}

func (m *Manager) Persona() Persona {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persona
}

func (m *Manager) SetPersona(p Persona) {
	m.mu.Lock()
	m.persona = p.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) TranslationLanguage() TranslationLanguage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.language
}

func (m *Manager) SetTranslationLanguage(l TranslationLanguage) error {
	if _, err := ParseTranslationLanguage(string(l)); err != nil {
		return err
	}
	m.mu.Lock()
	m.language = l
	m.mu.Unlock()
	return nil
}

// CheckHealth probes provider t with its stored configuration on a separate
// adapter, so a running stream is not disturbed.
func (m *Manager) CheckHealth(ctx context.Context, t provider.Type) (bool, error) {
	a, _, err := m.build(ctx, t, "")
	if err != nil {
		return false, err
	}
	return m.health.Check(ctx, a), nil
}

// CheckAllHealth probes every provider type in parallel.
func (m *Manager) CheckAllHealth(ctx context.Context) (map[provider.Type]bool, error) {
	adapters := make([]provider.Adapter, 0, len(provider.Types()))
	for _, t := range provider.Types() {
		a, _, err := m.build(ctx, t, "")
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return m.health.CheckAll(ctx, adapters), nil
}

type modelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ListLocalModels returns the models installed on the local inference server.
func (m *Manager) ListLocalModels(ctx context.Context) ([]string, error) {
	a, _, err := m.build(ctx, provider.TypeOllama, "")
	if err != nil {
		return nil, err
	}
	lister, ok := a.(modelLister)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot list models", provider.TypeOllama)
	}
	return lister.ListModels(ctx)
}

// ProviderStatus summarizes one provider type for settings screens.
type ProviderStatus struct {
	Type        provider.Type   `json:"type"`
	DisplayName string          `json:"display_name"`
	Active      bool            `json:"active"`
	HasAPIKey   bool            `json:"has_api_key"`
	Configured  bool            `json:"configured"`
	Config      provider.Config `json:"config"`
	Recommended []string        `json:"recommended_models"`
}

func (m *Manager) Providers(ctx context.Context) ([]ProviderStatus, error) {
	active := m.ActiveProvider()
	out := make([]ProviderStatus, 0, len(provider.Types()))
	for _, t := range provider.Types() {
		a, cfg, err := m.build(ctx, t, "")
		if err != nil {
			return nil, err
		}
		_, hasKey, err := m.store.GetAPIKey(ctx, t)
		if err != nil {
			return nil, err
		}
		info := t.Info()
		out = append(out, ProviderStatus{
			Type:        t,
			DisplayName: info.DisplayName,
			Active:      t == active,
			HasAPIKey:   hasKey,
			Configured:  a.IsConfigured(),
			Config:      cfg,
			Recommended: info.RecommendedModels,
		})
	}
	return out, nil
}
