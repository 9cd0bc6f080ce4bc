// Package geocode turns coordinates into human-readable addresses.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("no address found")
	ErrTransient = errors.New("address lookup failed")
)

// Resolver resolves one coordinate to one address.
type Resolver interface {
	Resolve(ctx context.Context, lat, lon float64) (string, error)
}

// HTTPClient is the subset of *http.Client the resolver needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Nominatim queries a Nominatim-compatible /reverse endpoint.
type Nominatim struct {
	baseURL   string
	userAgent string
	client    HTTPClient
}

type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

func NewNominatim(baseURL, userAgent string, timeout time.Duration) *Nominatim {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Nominatim{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// WithClient swaps the HTTP client.
func (n *Nominatim) WithClient(c HTTPClient) *Nominatim {
	n.client = c
	return n
}

func (n *Nominatim) Resolve(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	req.Header.Set("Accept", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrTransient, resp.StatusCode)
	}

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrTransient, err)
	}
	if body.Error != "" || strings.TrimSpace(body.DisplayName) == "" {
		return "", ErrNotFound
	}
	return body.DisplayName, nil
}
