package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
)

// HTTPSource reads a JSON price sheet:
//
//	{"version": "...", "rates": [{"model": "...", "region": "", "input_per_million": 3, "output_per_million": 15}]}
type HTTPSource struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// HTTPOption configures HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.httpClient = c }
}

// WithBearerToken sends Authorization: Bearer token.
func WithBearerToken(token string) HTTPOption {
	return func(s *HTTPSource) { s.token = token }
}

// NewHTTPSource creates a price sheet client for endpoint.
func NewHTTPSource(endpoint string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type sheet struct {
	Version string `json:"version"`
	Rates   []struct {
		Model            string `json:"model"`
		Region           string `json:"region"`
		InputPerMillion  int64  `json:"input_per_million"`
		OutputPerMillion int64  `json:"output_per_million"`
	} `json:"rates"`
}

// Fetch downloads the sheet for date.
func (s *HTTPSource) Fetch(ctx context.Context, date string) ([]LiveRate, error) {
	u := s.endpoint + "?date=" + url.QueryEscape(date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price sheet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("price sheet status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sh sheet
	if err := json.NewDecoder(resp.Body).Decode(&sh); err != nil {
		return nil, fmt.Errorf("decode price sheet: %w", err)
	}

	fetched := time.Now().UTC()
	out := make([]LiveRate, 0, len(sh.Rates))
	for _, r := range sh.Rates {
		if r.Model == "" || r.InputPerMillion < 0 || r.OutputPerMillion < 0 {
			continue
		}
		out = append(out, LiveRate{
			Region: r.Region,
			Rate: dompricing.Rate{
				Model:            r.Model,
				InputPerMillion:  r.InputPerMillion,
				OutputPerMillion: r.OutputPerMillion,
				Provenance:       dompricing.ProvenanceLive,
				Version:          sh.Version,
				FetchedAt:        fetched,
			},
		})
	}
	return out, nil
}
