package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const requestTimeout = 15 * time.Second

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(m.CORS(corsOrigins))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/metrics", h.Metrics)

	r.Route("/v1", func(r chi.Router) {
		// Live updates hijack the connection, so they skip timeout and compression
		r.Get("/ws", h.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(m.RateLimit(rateLimitRPM))
			r.Use(m.Compress)
			r.Use(m.Timeout(requestTimeout))

			r.Get("/config", h.GetConfig)
			r.Post("/config", h.InitializeConfig)

			r.Route("/markets", func(r chi.Router) {
				r.Get("/", h.ListMarkets)
				r.Post("/", h.CreateMarket)

				r.Route("/{startTs}", func(r chi.Router) {
					r.Get("/", h.GetMarket)
					r.Post("/close", h.CloseMarket)
					r.Post("/resolve", h.ResolveMarket)
					r.Post("/bets", h.PlaceBet)
					r.Post("/claim", h.Claim)
					r.Get("/preview", h.PreviewPayout)
					r.Get("/positions/{participant}", h.GetPosition)
				})
			})

			r.Get("/participants/{participant}/positions", h.ListPositions)

			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Post("/deposit", h.Deposit)
			})

			r.Post("/treasury/withdraw", h.WithdrawFees)
			r.Get("/stats", h.GetStats)

			r.Route("/oracle", func(r chi.Router) {
				r.Get("/price", h.GetOraclePrice)
				r.Get("/history", h.GetOracleHistory)
			})
		})
	})

	return r
}
