// Package geoip resolves a proxy's address to a country code. It is only
// consulted when proxies are added to the inventory, never on the commit
// path.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

const defaultEndpoint = "http://ip-api.com/json"

type apiResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
}

// Lookup returns the two-letter country code for an IP address, or
// "UNKNOWN" when the service cannot place it. The endpoint is taken from
// the geoip.endpoint config key.
func Lookup(ctx context.Context, ip string) (string, error) {
	endpoint := viper.GetString("geoip.endpoint")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	url := fmt.Sprintf("%s/%s?fields=status,countryCode", endpoint, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geoip request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geoip request returned status %d", resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode geoip response: %v", err)
	}

	if parsed.Status != "success" || parsed.CountryCode == "" {
		return "UNKNOWN", nil
	}
	return parsed.CountryCode, nil
}
