package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/lottery-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware лотерейного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// Публичное состояние розыгрышей: обязательство видно всем,
		// сид — только после проведения.
		r.Get("/draws/current", h.GetCurrentDraw)
		r.Get("/draws/{drawID}", h.GetDraw)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/wallet/balance", h.GetBalance)
			r.Get("/wallet/history", h.GetLedger)

			r.Post("/draws/{drawID}/tickets", h.PurchaseTicket)
			r.Get("/tickets", h.GetTickets)

			r.Post("/lobbies", h.CreateLobby)
			r.Post("/lobbies/join", h.JoinLobby)
			r.Get("/lobbies/{lobbyID}", h.GetLobby)
			r.Get("/lobbies/{lobbyID}/members", h.GetLobbyMembers)
			r.Post("/lobbies/{lobbyID}/pot", h.SeedLobbyPot)
			r.Post("/lobbies/{lobbyID}/draw", h.TriggerLobbyDraw)

			r.Group(func(r chi.Router) {
				r.Use(h.requireAdmin)

				r.Post("/admin/draws", h.CreateDraw)
				r.Post("/admin/draws/{drawID}/lock", h.LockDraw)
				r.Post("/admin/draws/{drawID}/settle", h.SettleDraw)
				r.Post("/admin/draws/{drawID}/rollforward", h.RollForwardDraw)
				r.Post("/admin/wallets/{userID}/adjust", h.AdjustWallet)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
