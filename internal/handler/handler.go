// Package handler содержит HTTP-обработчики CPA-платформы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkurbatov/cpa-platform/internal/middleware"
	"github.com/mkurbatov/cpa-platform/internal/model"
	"github.com/mkurbatov/cpa-platform/internal/repository"
	"github.com/mkurbatov/cpa-platform/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password, referralCode string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (int64, error)
	RecordClick(ctx context.Context, userID, offerID int64, meta model.VisitorMeta) (string, error)
	HandlePostback(ctx context.Context, networkKey string, params url.Values) error
	SetConversionStatus(ctx context.Context, actorID, conversionID int64, next model.ConversionStatus) error
	ListOffersForUser(ctx context.Context, userID int64) ([]service.OfferView, error)
	RequestOfferAccess(ctx context.Context, userID, offerID int64, note string) (model.GrantStatus, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetConversionsByUser(ctx context.Context, userID int64) ([]repository.UserConversion, error)
	GetReferralLink(ctx context.Context, userID int64) (*model.ReferralLink, string, error)
	ResolveReferralCode(ctx context.Context, code string) (*model.ReferralLink, error)
}

// Handler реализует HTTP-обработчики CPA-платформы.
type Handler struct {
	service         Service
	logger          *zap.Logger
	authMiddleware  *middleware.AuthMiddleware
	trackingDomains []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// trackingDomains ограничивает хосты трекинговых маршрутов; пустой список
// разрешает все хосты.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, trackingDomains []string) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		authMiddleware:  auth,
		trackingDomains: trackingDomains,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя. Реферальная
// атрибуция берётся из cookies, выставленных трекингом приглашений.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	referralCode, _, _ := middleware.GetReferralData(r)

	userID, err := h.service.RegisterUser(r.Context(), req.Email, req.Password, referralCode)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type offerResponse struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Payout       decimal.Decimal `json:"payout"`
	NeedApproval bool            `json:"need_approval"`
	AccessStatus string          `json:"access_status,omitempty"`
}

// GetOffers возвращает активные офферы со статусом доступа текущего пользователя.
func (h *Handler) GetOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	views, err := h.service.ListOffersForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list offers error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(views) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]offerResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, offerResponse{
			ID:           v.Offer.ID,
			Name:         v.Offer.Name,
			Payout:       v.Offer.Payout,
			NeedApproval: v.Offer.NeedApproval,
			AccessStatus: v.GrantStatus,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type accessRequest struct {
	Note string `json:"note"`
}

type accessResponse struct {
	Status string `json:"status"`
}

// RequestOfferAccess создаёт запрос доступа текущего пользователя к офферу.
func (h *Handler) RequestOfferAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	offerID, err := strconv.ParseInt(chi.URLParam(r, "offerID"), 10, 64)
	if err != nil || offerID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req accessRequest
	if r.Body != nil {
		// Тело опционально.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	status, err := h.service.RequestOfferAccess(r.Context(), userID, offerID, req.Note)
	if err != nil {
		if errors.Is(err, repository.ErrOfferNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("request offer access error", zap.Error(err),
			zap.Int64("userID", userID), zap.Int64("offerID", offerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(accessResponse{Status: string(status)}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type conversionResponse struct {
	ClickID   string          `json:"click_id"`
	Offer     string          `json:"offer"`
	Payout    decimal.Decimal `json:"payout"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
}

// GetConversions возвращает конверсии текущего пользователя.
func (h *Handler) GetConversions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conversions, err := h.service.GetConversionsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get conversions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(conversions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]conversionResponse, 0, len(conversions))
	for _, c := range conversions {
		resp = append(resp, conversionResponse{
			ClickID:   c.ClickID,
			Offer:     c.OfferName,
			Payout:    c.Payout,
			Status:    string(c.Status),
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type referralResponse struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// GetReferralLink возвращает реферальную ссылку текущего пользователя,
// создавая её при первом обращении.
func (h *Handler) GetReferralLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	link, refURL, err := h.service.GetReferralLink(r.Context(), userID)
	if err != nil {
		h.logger.Error("get referral link error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(referralResponse{Code: link.Code, URL: refURL}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type conversionStatusRequest struct {
	Status string `json:"status"`
}

// SetConversionStatus меняет статус конверсии от имени сотрудника.
func (h *Handler) SetConversionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conversionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || conversionID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req conversionStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status := model.ConversionStatus(req.Status)
	if status != model.ConversionStatusApproved && status != model.ConversionStatusRejected {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.SetConversionStatus(r.Context(), userID, conversionID, status)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrConversionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("set conversion status error", zap.Error(err),
				zap.Int64("conversionID", conversionID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
