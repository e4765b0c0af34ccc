package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/mkurbatov/cpa-platform/internal/model"
	"github.com/mkurbatov/cpa-platform/internal/validation"
)

const (
	referralCodeCookie = "referral_code"
	referrerIDCookie   = "referrer_id"
	referralCookieTTL  = 30 * 24 * time.Hour
)

// ReferralResolver проверяет реферальный код по хранилищу.
type ReferralResolver interface {
	ResolveReferralCode(ctx context.Context, code string) (*model.ReferralLink, error)
}

// ReferralTracking отслеживает параметр ?ref=CODE на любой странице и при
// валидном коде проставляет реферальные cookies. Невалидный код молча
// игнорируется: атрибуция — побочный эффект, не ломающий навигацию.
func ReferralTracking(resolver ReferralResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("ref")
			if code != "" && validation.IsValidReferralCode(code) {
				if link, err := resolver.ResolveReferralCode(r.Context(), code); err == nil {
					SetReferralCookies(w, link.Code, link.UserID)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetReferralCookies проставляет cookies атрибуции на 30 дней.
func SetReferralCookies(w http.ResponseWriter, code string, referrerID int64) {
	expires := time.Now().Add(referralCookieTTL)

	http.SetCookie(w, &http.Cookie{
		Name:     referralCodeCookie,
		Value:    code,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     referrerIDCookie,
		Value:    strconv.FormatInt(referrerID, 10),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetReferralData извлекает реферальную атрибуцию из cookies запроса.
func GetReferralData(r *http.Request) (code string, referrerID int64, ok bool) {
	codeCookie, err := r.Cookie(referralCodeCookie)
	if err != nil || !validation.IsValidReferralCode(codeCookie.Value) {
		return "", 0, false
	}

	idCookie, err := r.Cookie(referrerIDCookie)
	if err != nil {
		return "", 0, false
	}

	id, err := strconv.ParseInt(idCookie.Value, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}

	return codeCookie.Value, id, true
}
