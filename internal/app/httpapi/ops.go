package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	app "github.com/R3E-Network/lottery_settlement/internal/app"
	"github.com/R3E-Network/lottery_settlement/internal/app/metrics"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

// NewOpsHandler returns the operations router serving Prometheus metrics
// and a health probe. It is meant for an internal listener only.
func NewOpsHandler(application *app.Application, db Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		body := map[string]any{
			"status":         "ok",
			"round_id":       application.Lottery.CurrentRound(req.Context()).ID,
			"active":         application.Lottery.IsActive(req.Context()),
			"stream_clients": application.Hub.Clients(),
		}
		if application.Relay != nil {
			body["relay"] = map[string]int64{
				"published": application.Relay.Published(),
				"dropped":   application.Relay.Dropped(),
				"failed":    application.Relay.Failed(),
			}
		}

		status := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(req.Context(), pingTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["database"] = err.Error()
			}
		}
		writeJSON(w, status, body)
	})
	return r
}
