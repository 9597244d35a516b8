// Package http exposes the webhook gateway, the manual sync trigger, and
// health endpoints.
package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"contia/internal/domain/webhook"
	"contia/internal/interfaces/jobs"
	"contia/internal/shared/config"
)

const signatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds the raw body read before signature verification.
const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Status    string `json:"status"`
	Processed bool   `json:"processed"`
	EventType string `json:"event_type,omitempty"`
}

// WebhookHandler is the provider push-event gateway. It verifies, dedupes,
// enqueues, and acknowledges within the ack budget; all real work happens in
// the job workers after the response is sent.
type WebhookHandler struct {
	store    webhook.IdempotencyStore
	enqueuer jobs.Enqueuer
	cfg      config.WebhookConfig
	logger   *zap.Logger
}

func NewWebhookHandler(store webhook.IdempotencyStore, enqueuer jobs.Enqueuer, cfg config.WebhookConfig, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{store: store, enqueuer: enqueuer, cfg: cfg, logger: logger}
}

func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.AckBudget)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("webhook signature rejected",
			zap.String("remote", r.RemoteAddr))
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event webhook.Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Malformed JSON", http.StatusBadRequest)
		return
	}

	// Anything after a valid signature and parseable JSON is acknowledged
	// with 200: the provider retries 3 times and then drops the event, so a
	// 5xx here only converts an internal hiccup into permanent loss.
	if !event.Valid() {
		h.logger.Warn("webhook missing routable fields, acknowledged",
			zap.String("event_type", event.Type))
		h.respond(w, webhookResponse{Status: "ignored", Processed: false, EventType: event.Type})
		return
	}

	first, err := h.store.MarkSeen(ctx, event.EventID, h.cfg.EventTTL)
	if err != nil {
		h.logger.Error("idempotency check failed, acknowledged",
			zap.String("event_id", event.EventID), zap.Error(err))
		h.respond(w, webhookResponse{Status: "error", Processed: false, EventType: event.Type})
		return
	}
	if !first {
		h.respond(w, webhookResponse{Status: "duplicate", Processed: false, EventType: event.Type})
		return
	}

	job := jobs.NewJob(event.Type, event.ConnectionID, event.EventID, event.Data)
	if err := h.enqueuer.Enqueue(ctx, job); err != nil {
		h.logger.Error("webhook enqueue failed, acknowledged",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		h.respond(w, webhookResponse{Status: "error", Processed: false, EventType: event.Type})
		return
	}

	h.respond(w, webhookResponse{Status: "ok", Processed: true, EventType: event.Type})
}

// verifySignature checks the hex HMAC-SHA256 of the raw body. An empty
// configured secret disables verification (local development only).
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if h.cfg.Secret == "" {
		return true
	}

	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func (h *WebhookHandler) respond(w http.ResponseWriter, resp webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
