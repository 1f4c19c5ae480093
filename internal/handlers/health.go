package handlers

import (
	"net/http"

	"github.com/shellbox-dev/shellbox/internal/database"
	"github.com/shellbox-dev/shellbox/internal/sandbox"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	providerStatus := "disconnected"
	providerBackend := "none"
	if p := sandbox.Get(); p != nil {
		providerStatus = "connected"
		providerBackend = p.BackendName()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":          status,
		"sandbox":         providerStatus,
		"sandbox_backend": providerBackend,
		"database":        dbStatus,
	})
}
