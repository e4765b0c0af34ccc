package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mkurbatov/cpa-platform/internal/model"
	"github.com/mkurbatov/cpa-platform/internal/repository"
	"github.com/mkurbatov/cpa-platform/internal/service"
)

func TestTrackOffer_Redirect(t *testing.T) {
	svc := &stubService{redirectURL: "https://adv.example.com/land?s2=1-10-092653-20250314"}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/offer/?userid=1&offerid=10&subid1=tg", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != svc.redirectURL {
		t.Fatalf("location = %q, want %q", loc, svc.redirectURL)
	}
	if svc.clickMeta.IP != "203.0.113.7" {
		t.Fatalf("ip = %q, want first X-Forwarded-For entry", svc.clickMeta.IP)
	}
	if svc.clickMeta.SubID1 != "tg" {
		t.Fatalf("subid1 = %q, want tg", svc.clickMeta.SubID1)
	}
}

func TestTrackOffer_BadParams(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"missing userid", "/offer/?offerid=10"},
		{"missing offerid", "/offer/?userid=1"},
		{"non-numeric", "/offer/?userid=abc&offerid=10"},
		{"negative", "/offer/?userid=-1&offerid=10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{})
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestTrackOffer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown user", repository.ErrUserNotFound, http.StatusNotFound},
		{"unknown offer", repository.ErrOfferNotFound, http.StatusNotFound},
		{"no access", service.ErrAccessDenied, http.StatusForbidden},
		{"storage failure", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{clickErr: tt.err})
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodGet, "/offer/?userid=1&offerid=10", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPostback_OK(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet,
		"/offers/postback/?network=nexussyner&click_id=1-10-092653-20250314&payout=12.50", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "OK" {
		t.Fatalf("body = %q, want OK", body)
	}
	if svc.postbackNetwork != "nexussyner" {
		t.Fatalf("network = %q, want nexussyner", svc.postbackNetwork)
	}
	if got := svc.postbackParams.Get("click_id"); got != "1-10-092653-20250314" {
		t.Fatalf("click_id param = %q", got)
	}
}

func TestPostback_FormBody(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body := strings.NewReader("network=nexussyner&click_id=1-10-092653-20250314")
	req := httptest.NewRequest(http.MethodPost, "/offers/postback/", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := svc.postbackParams.Get("click_id"); got != "1-10-092653-20250314" {
		t.Fatalf("click_id param = %q", got)
	}
}

func TestPostback_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"missing network", "/offers/postback/?click_id=x", nil, http.StatusBadRequest},
		{"unknown network", "/offers/postback/?network=ghost", repository.ErrNetworkNotFound, http.StatusBadRequest},
		{"missing click id", "/offers/postback/?network=nexussyner", service.ErrMissingClickID, http.StatusBadRequest},
		{"unknown click", "/offers/postback/?network=nexussyner&click_id=x", repository.ErrClickNotFound, http.StatusNotFound},
		{"storage failure", "/offers/postback/?network=nexussyner&click_id=x", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{postbackErr: tt.err})
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestReferralRedirect(t *testing.T) {
	svc := &stubService{
		resolvedLink: &model.ReferralLink{ID: 1, UserID: 7, Code: "abcd1234", IsActive: true},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/ref/abcd1234/", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Fatalf("location = %q, want /", loc)
	}

	var gotCode, gotReferrer string
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case "referral_code":
			gotCode = c.Value
		case "referrer_id":
			gotReferrer = c.Value
		}
	}
	if gotCode != "abcd1234" || gotReferrer != "7" {
		t.Fatalf("cookies = (%q, %q), want (abcd1234, 7)", gotCode, gotReferrer)
	}
}

func TestReferralRedirect_UnknownCode(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/ref/unknown1/", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("no cookies expected for unknown code")
	}
}

func TestTrackingDomainGate(t *testing.T) {
	svc := &stubService{redirectURL: "https://adv.example.com/land?subid=x"}
	h := newTestHandler(t, svc)
	h.trackingDomains = []string{"track.example.com"}
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/offer/?userid=1&offerid=10", nil)
	req.Host = "app.example.com"
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d on foreign host", rec.Code, http.StatusNotFound)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"forwarded first", "203.0.113.7, 10.0.0.1", "198.51.100.1", "192.0.2.1:1234", "203.0.113.7"},
		{"real ip fallback", "", "198.51.100.1", "192.0.2.1:1234", "198.51.100.1"},
		{"remote addr fallback", "", "", "192.0.2.1:1234", "192.0.2.1"},
		{"remote addr without port", "", "", "192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := clientIP(req); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
