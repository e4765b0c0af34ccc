package middleware

import (
	"net"
	"net/http"
	"strings"
)

// TrackingDomains ограничивает обслуживание трекинг-маршрутов разрешёнными
// хостами. Пустой список означает отсутствие ограничений. Чужой хост
// получает 404, а не 403: трекинг-домены не должны раскрывать структуру API.
func TrackingDomains(domains []string) func(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		allowed[strings.ToLower(d)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}

			if _, ok := allowed[strings.ToLower(host)]; !ok {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
