package pushhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"
)

// httpJWKSFetcher is the production jwksFetcher: a plain HTTP GET against
// the provider's advertised JWKS endpoint.
type httpJWKSFetcher struct {
	url    string
	client *http.Client
}

func (f *httpJWKSFetcher) FetchJWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	client := f.client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}
