package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/inferq/internal/api/response"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /api/v1/health. Any failing dependency turns the
// response into a 503 carrying the same body as details.
func Health(db Pinger, svc JobService, others map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		services := map[string]string{"database": "connected"}
		healthy := true

		queueSize := 0
		if err := db.Ping(ctx); err != nil {
			services["database"] = "error"
			healthy = false
		} else if stats, err := svc.QueueStats(ctx); err != nil {
			services["database"] = "error"
			healthy = false
		} else {
			queueSize = stats.Size
		}

		for name, p := range others {
			services[name] = "ok"
			if err := p.Ping(ctx); err != nil {
				services[name] = "degraded"
				healthy = false
			}
		}

		body := map[string]any{
			"status":     "healthy",
			"services":   services,
			"queue_size": queueSize,
		}
		if !healthy {
			body["status"] = "unhealthy"
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", body)
			return
		}
		response.JSON(w, body)
	}
}
