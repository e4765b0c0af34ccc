package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTrackingDomains(t *testing.T) {
	tests := []struct {
		name    string
		domains []string
		host    string
		want    int
	}{
		{"empty list allows all", nil, "anything.example.com", http.StatusOK},
		{"allowed host", []string{"track.example.com"}, "track.example.com", http.StatusOK},
		{"allowed host with port", []string{"track.example.com"}, "track.example.com:8080", http.StatusOK},
		{"case insensitive", []string{"track.example.com"}, "Track.Example.Com", http.StatusOK},
		{"foreign host", []string{"track.example.com"}, "evil.example.com", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := TrackingDomains(tt.domains)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/offer/", nil)
			req.Host = tt.host
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
