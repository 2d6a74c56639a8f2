package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultOfferTimeout bounds a request for the maker's offer.
const DefaultOfferTimeout = 10 * time.Second

// OfferClient fetches the current offer from the maker's HTTP API.
type OfferClient struct {
	endpoint string
	client   *http.Client
}

// NewOfferClient creates a client for the maker API at endpoint, for
// example http://127.0.0.1:8000.
func NewOfferClient(endpoint string) *OfferClient {
	return &OfferClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: DefaultOfferTimeout},
	}
}

// Offer fetches the maker's current offer.
func (c *OfferClient) Offer(ctx context.Context) (Offer, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.endpoint+"/api/offer", nil,
	)
	if err != nil {
		return Offer{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Offer{}, fmt.Errorf("failed to fetch offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Offer{}, fmt.Errorf("failed to fetch offer: %v",
			resp.Status)
	}

	var offer Offer
	if err := json.NewDecoder(resp.Body).Decode(&offer); err != nil {
		return Offer{}, fmt.Errorf("malformed offer: %w", err)
	}

	return offer, nil
}
