package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkurbatov/cpa-platform/internal/middleware"
	"github.com/mkurbatov/cpa-platform/internal/model"
	"github.com/mkurbatov/cpa-platform/internal/repository"
	"github.com/mkurbatov/cpa-platform/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error
	registeredCode string

	authUserID int64
	authErr    error

	redirectURL string
	clickErr    error
	clickMeta   model.VisitorMeta

	postbackErr     error
	postbackNetwork string
	postbackParams  url.Values

	statusErr error

	offersResp []service.OfferView
	offersErr  error

	accessStatus model.GrantStatus
	accessErr    error

	balanceResp *model.Balance
	balanceErr  error

	conversionsResp []repository.UserConversion
	conversionsErr  error

	referralLink *model.ReferralLink
	referralURL  string
	referralErr  error

	resolvedLink *model.ReferralLink
	resolveErr   error
}

func (s *stubService) RegisterUser(ctx context.Context, email, password, referralCode string) (int64, error) {
	s.registeredCode = referralCode
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) RecordClick(ctx context.Context, userID, offerID int64, meta model.VisitorMeta) (string, error) {
	s.clickMeta = meta
	return s.redirectURL, s.clickErr
}

func (s *stubService) HandlePostback(ctx context.Context, networkKey string, params url.Values) error {
	s.postbackNetwork = networkKey
	s.postbackParams = params
	return s.postbackErr
}

func (s *stubService) SetConversionStatus(ctx context.Context, actorID, conversionID int64, next model.ConversionStatus) error {
	return s.statusErr
}

func (s *stubService) ListOffersForUser(ctx context.Context, userID int64) ([]service.OfferView, error) {
	return s.offersResp, s.offersErr
}

func (s *stubService) RequestOfferAccess(ctx context.Context, userID, offerID int64, note string) (model.GrantStatus, error) {
	return s.accessStatus, s.accessErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) GetConversionsByUser(ctx context.Context, userID int64) ([]repository.UserConversion, error) {
	return s.conversionsResp, s.conversionsErr
}

func (s *stubService) GetReferralLink(ctx context.Context, userID int64) (*model.ReferralLink, string, error) {
	return s.referralLink, s.referralURL, s.referralErr
}

func (s *stubService) ResolveReferralCode(ctx context.Context, code string) (*model.ReferralLink, error) {
	if s.resolvedLink == nil && s.resolveErr == nil {
		return nil, repository.ErrReferralLinkNotFound
	}
	return s.resolvedLink, s.resolveErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, nil)
}

func authCookie(t *testing.T, h *Handler, userID int64) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("auth cookies = %d, want 1", len(cookies))
	}
	return cookies[0]
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "partner@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie expected after register")
	}
}

func TestRegister_PassesReferralCookie(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "partner@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	req.AddCookie(&http.Cookie{Name: "referral_code", Value: "abcd1234"})
	req.AddCookie(&http.Cookie{Name: "referrer_id", Value: "7"})
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if svc.registeredCode != "abcd1234" {
		t.Fatalf("referral code = %q, want abcd1234", svc.registeredCode)
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "partner@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "partner@example.com",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetOffers(t *testing.T) {
	svc := &stubService{
		offersResp: []service.OfferView{
			{
				Offer: model.Offer{
					ID:     10,
					Name:   "Offer A",
					Payout: decimal.RequireFromString("10.00"),
				},
				GrantStatus: "approved",
			},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/offers", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp []offerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].AccessStatus != "approved" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetOffers_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/offers", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequestOfferAccess(t *testing.T) {
	svc := &stubService{accessStatus: model.GrantStatusPending}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/offers/10/request", bytes.NewReader([]byte(`{"note":"please"}`)))
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp accessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "pending" {
		t.Fatalf("status = %q, want pending", resp.Status)
	}
}

func TestRequestOfferAccess_UnknownOffer(t *testing.T) {
	svc := &stubService{accessErr: repository.ErrOfferNotFound}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/offers/999/request", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetBalance(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{
			Current:        decimal.RequireFromString("125.50"),
			ReferralEarned: decimal.RequireFromString("5.25"),
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestGetConversions_Empty(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/conversions", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetReferralLink(t *testing.T) {
	svc := &stubService{
		referralLink: &model.ReferralLink{ID: 1, UserID: 1, Code: "abcd1234"},
		referralURL:  "https://cpa.example.com/ref/abcd1234/",
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/referral", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp referralResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "abcd1234" || resp.URL != "https://cpa.example.com/ref/abcd1234/" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSetConversionStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"approved", `{"status":"approved"}`, nil, http.StatusOK},
		{"rejected", `{"status":"rejected"}`, nil, http.StatusOK},
		{"invalid status", `{"status":"maybe"}`, nil, http.StatusBadRequest},
		{"not staff", `{"status":"approved"}`, service.ErrForbidden, http.StatusForbidden},
		{"unknown conversion", `{"status":"approved"}`, repository.ErrConversionNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{statusErr: tt.err}
			h := newTestHandler(t, svc)
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodPost, "/api/admin/conversions/55/status", bytes.NewReader([]byte(tt.body)))
			req.AddCookie(authCookie(t, h, 2))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
