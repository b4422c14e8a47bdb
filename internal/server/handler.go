// Package server exposes the companion over a loopback HTTP bridge so a
// separate UI process can drive it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/companion/internal/companion"
	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/usage"
)

// maxBodyBytes bounds request bodies; screenshots arrive base64 encoded.
const maxBodyBytes = 32 << 20

type Handler struct {
	manager *companion.Manager
	usage   usage.Store
	logger  *slog.Logger
}

func NewHandler(manager *companion.Manager, usage usage.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		usage:   usage,
		logger:  logger,
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

type imageRequest struct {
	ImageBase64 string `json:"image_base64"`
	Question    string `json:"question"`
}

type translateRequest struct {
	Text string `json:"text"`
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	h.stream(w, r, "chat", func(ctx context.Context, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
		h.manager.ChatStream(ctx, req.Message, onUpdate, onComplete)
	})
}

func (h *Handler) HandleImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ImageBase64 == "" {
		writeError(w, http.StatusBadRequest, "image_base64 is required")
		return
	}
	h.stream(w, r, "image", func(ctx context.Context, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
		h.manager.AnalyzeImageStream(ctx, req.ImageBase64, req.Question, onUpdate, onComplete)
	})
}

func (h *Handler) HandleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	h.stream(w, r, "translate", func(ctx context.Context, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
		h.manager.TranslateStream(ctx, req.Text, onUpdate, onComplete)
	})
}

type streamEnd struct {
	text string
	err  error
}

// stream relays one companion stream as server-sent events. Callbacks arrive
// on adapter goroutines, so they only hand values to this goroutine, which
// owns the ResponseWriter. Dropping an update is harmless since every update
// carries the full text.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, op string, start func(context.Context, provider.UpdateFunc, provider.CompleteFunc)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := make(chan string, 64)
	done := make(chan streamEnd, 1)

	start(r.Context(),
		func(text string) {
			select {
			case updates <- text:
			default:
			}
		},
		func(text string, err error) {
			done <- streamEnd{text: text, err: err}
		})

	for {
		select {
		case text := <-updates:
			writeEvent(w, "update", map[string]string{"text": text})
			flusher.Flush()
		case end := <-done:
			for pending := true; pending; {
				select {
				case text := <-updates:
					writeEvent(w, "update", map[string]string{"text": text})
				default:
					pending = false
				}
			}
			if end.err != nil {
				h.logger.Debug("stream ended with error", "operation", op, "request_id", GetRequestID(r.Context()), "error", end.err)
				writeEvent(w, "error", map[string]string{
					"kind":    string(provider.KindOf(end.err)),
					"message": end.err.Error(),
				})
			} else {
				writeEvent(w, "complete", map[string]string{"text": end.text})
			}
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.manager.CancelCurrentRequest()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) HandleCancelTranslation(w http.ResponseWriter, r *http.Request) {
	h.manager.CancelTranslation()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"turns": h.manager.History()})
}

func (h *Handler) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	h.manager.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	list, err := h.manager.Providers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    h.manager.ActiveProvider(),
		"providers": list,
	})
}

func (h *Handler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if !decode(w, r, &req) {
		return
	}
	t, err := provider.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.manager.SetActiveProvider(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": t, "configured": h.manager.IsConfigured()})
}

func (h *Handler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	t, ok := pathType(w, r)
	if !ok {
		return
	}
	cfg, err := h.manager.Config(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	t, ok := pathType(w, r)
	if !ok {
		return
	}
	var cfg provider.Config
	if !decode(w, r, &cfg) {
		return
	}
	cfg.Type = t
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.manager.UpdateConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) HandleSaveKey(w http.ResponseWriter, r *http.Request) {
	t, ok := pathType(w, r)
	if !ok {
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !decode(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	if err := h.manager.SaveAPIKey(r.Context(), t, key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	t, ok := pathType(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeleteAPIKey(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	t, ok := pathType(w, r)
	if !ok {
		return
	}
	healthy, err := h.manager.CheckHealth(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": t, "healthy": healthy})
}

func (h *Handler) HandleHealthAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.manager.CheckAllHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) HandleLocalModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.manager.ListLocalModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

type settingsBody struct {
	Persona             companion.Persona             `json:"persona"`
	TranslationLanguage companion.TranslationLanguage `json:"translation_language"`
}

func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsBody{
		Persona:             h.manager.Persona(),
		TranslationLanguage: h.manager.TranslationLanguage(),
	})
}

func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsBody
	if !decode(w, r, &req) {
		return
	}
	if req.TranslationLanguage != "" {
		if err := h.manager.SetTranslationLanguage(req.TranslationLanguage); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.manager.SetPersona(req.Persona)
	h.HandleGetSettings(w, r)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeJSON(w, http.StatusOK, map[string]any{"total_requests": 0, "logs": []*usage.Log{}})
		return
	}

	limit := usage.DefaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit' (use a positive integer)")
			return
		}
		limit = n
	}

	logs, err := h.usage.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*usage.Log{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_requests": len(logs),
		"logs":           logs,
	})
}

func pathType(w http.ResponseWriter, r *http.Request) (provider.Type, bool) {
	t, err := provider.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return t, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
