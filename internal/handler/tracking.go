package handler

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mkurbatov/cpa-platform/internal/middleware"
	"github.com/mkurbatov/cpa-platform/internal/model"
	"github.com/mkurbatov/cpa-platform/internal/repository"
	"github.com/mkurbatov/cpa-platform/internal/service"
	"github.com/mkurbatov/cpa-platform/internal/validation"
)

// TrackOffer фиксирует клик партнёра и отдаёт 302 на URL рекламодателя.
func (h *Handler) TrackOffer(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userid"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid userid", http.StatusBadRequest)
		return
	}

	offerID, err := strconv.ParseInt(r.URL.Query().Get("offerid"), 10, 64)
	if err != nil || offerID <= 0 {
		http.Error(w, "invalid offerid", http.StatusBadRequest)
		return
	}

	meta := model.VisitorMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		SubID1:    r.URL.Query().Get("subid1"),
		SubID2:    r.URL.Query().Get("subid2"),
		SubID3:    r.URL.Query().Get("subid3"),
	}

	redirectURL, err := h.service.RecordClick(r.Context(), userID, offerID, meta)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound), errors.Is(err, repository.ErrOfferNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrAccessDenied):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("record click error", zap.Error(err),
				zap.Int64("userID", userID), zap.Int64("offerID", offerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Postback принимает коллбэк сети о конверсии. Параметры читаются из
// query-строки и из тела формы; успешный ответ — "OK" в plain text, как
// того ожидают трекеры сетей.
func (h *Handler) Postback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed parameters", http.StatusBadRequest)
		return
	}

	networkKey := r.Form.Get("network")
	if networkKey == "" {
		http.Error(w, "missing network", http.StatusBadRequest)
		return
	}

	err := h.service.HandlePostback(r.Context(), networkKey, r.Form)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNetworkNotFound):
			http.Error(w, "unknown network", http.StatusBadRequest)
		case errors.Is(err, service.ErrMissingClickID):
			http.Error(w, "missing click id", http.StatusBadRequest)
		case errors.Is(err, repository.ErrClickNotFound):
			http.Error(w, "click not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrOfferNotFound):
			http.Error(w, "offer not found", http.StatusNotFound)
		default:
			h.logger.Error("postback error", zap.Error(err), zap.String("network", networkKey))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReferralRedirect выставляет реферальные cookies по коду из ссылки и
// отправляет посетителя на главную. Невалидный или неизвестный код
// игнорируется молча: посетитель всё равно попадает на сайт.
func (h *Handler) ReferralRedirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	if validation.IsValidReferralCode(code) {
		link, err := h.service.ResolveReferralCode(r.Context(), code)
		if err == nil {
			middleware.SetReferralCookies(w, link.Code, link.UserID)
		} else if !errors.Is(err, repository.ErrReferralLinkNotFound) {
			h.logger.Warn("resolve referral code error", zap.String("code", code), zap.Error(err))
		}
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// clientIP извлекает IP посетителя: первый адрес из X-Forwarded-For,
// затем X-Real-IP, затем адрес соединения.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
