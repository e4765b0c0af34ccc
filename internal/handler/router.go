package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mkurbatov/cpa-platform/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware CPA-платформы.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.ReferralTracking(h.service))

	// Трекинговые маршруты доступны только на разрешённых доменах.
	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.TrackingDomains(h.trackingDomains))

		r.Get("/offer/", h.TrackOffer)
		r.Get("/offers/postback/", h.Postback)
		r.Post("/offers/postback/", h.Postback)
		r.Get("/ref/{code}/", h.ReferralRedirect)
	})

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/offers", h.GetOffers)
			r.Post("/offers/{offerID}/request", h.RequestOfferAccess)

			r.Get("/balance", h.GetBalance)
			r.Get("/conversions", h.GetConversions)
			r.Get("/referral", h.GetReferralLink)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/conversions/{id}/status", h.SetConversionStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
