// Package geoip предоставляет клиент внешнего сервиса геолокации по IP.
// Обогащение кликов этим сервисом — best-effort: любая ошибка только
// логируется и никогда не влияет на редирект.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const lookupTimeout = 3 * time.Second

// Client инкапсулирует HTTP-взаимодействие с сервисом геолокации.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Location описывает ответ сервиса геолокации по одному IP.
type Location struct {
	Status  string `json:"status"`
	Country string `json:"country"`
	Region  string `json:"regionName"`
	City    string `json:"city"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису геолокации по
// указанному адресу. Запросы короткие и повторяемые, поэтому транспорт —
// retryablehttp с малым числом попыток.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 500 * time.Millisecond
	rc.HTTPClient.Timeout = lookupTimeout
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// Lookup запрашивает геолокацию для указанного IP-адреса.
func (c *Client) Lookup(ctx context.Context, ip string) (*Location, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("geoip client not configured")
	}
	if ip == "" {
		return nil, fmt.Errorf("empty ip")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/json/%s", base, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Location
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.Status != "" && result.Status != "success" {
		return nil, fmt.Errorf("lookup failed for %s: status %s", ip, result.Status)
	}

	return &result, nil
}
