package handler

import (
	"net/http"

	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

type queueResponse struct {
	Size    int                 `json:"size"`
	Next    *models.QueueEntry  `json:"next"`
	Pending []models.QueueEntry `json:"pending"`
}

// Queue handles GET /api/v1/queue.
func Queue(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.QueueStats(r.Context())
		if err != nil {
			response.Internal(w, r, err)
			return
		}
		pending, err := svc.ListPending(r.Context())
		if err != nil {
			response.Internal(w, r, err)
			return
		}
		if pending == nil {
			pending = []models.QueueEntry{}
		}
		response.JSON(w, queueResponse{Size: stats.Size, Next: stats.Next, Pending: pending})
	}
}

// Stats handles GET /api/v1/admin/stats.
func Stats(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			response.Internal(w, r, err)
			return
		}
		response.JSON(w, stats)
	}
}
