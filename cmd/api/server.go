package main

import (
	"net/http"
	"time"

	"contia/internal/shared/config"
)

func newServer(cfg *config.Config, deps *dependencies) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      newRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
