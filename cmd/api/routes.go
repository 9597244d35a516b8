package main

import (
	"net/http"

	"contia/internal/shared/middleware"
	"contia/internal/shared/telemetry"
)

func newRouter(deps *dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhooks/provider", deps.WebhookHandler.HandleWebhook)

	mux.HandleFunc("POST /api/connections", deps.ConnectionHandler.HandleCreate)
	mux.HandleFunc("POST /api/connections/{id}/sync", deps.ConnectionHandler.HandleSync)
	mux.HandleFunc("POST /api/connections/{id}/mfa", deps.ConnectionHandler.HandleMFA)
	mux.HandleFunc("DELETE /api/connections/{id}", deps.ConnectionHandler.HandleDisconnect)

	mux.HandleFunc("GET /health/live", deps.HealthHandler.HandleLive)
	mux.HandleFunc("GET /health/ready", deps.HealthHandler.HandleReady)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	return middleware.Logging(deps.logger)(mux)
}
