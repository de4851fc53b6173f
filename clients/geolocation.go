package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/fx"
)

// UnknownLocation is the fallback when the lookup fails or times out.
const UnknownLocation = "Unknown"

type (
	// GeoClient resolves an IP address to a coarse location, best effort.
	GeoClient struct {
		config     GeoConfig
		httpClient *http.Client
	}

	GeoConfig struct {
		Endpoint string        `default:"http://ip-api.com/json"`
		Timeout  time.Duration `default:"5s"`
	}

	// Location is the result of a geolocation lookup.
	Location struct {
		Country string  `json:"country"`
		Region  string  `json:"regionName"`
		City    string  `json:"city"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
)

func geoConfigProvider() (GeoConfig, error) {
	var config GeoConfig
	if err := envconfig.Process("geo", &config); err != nil {
		return GeoConfig{}, err
	}
	return config, nil
}

func NewGeoClient(config GeoConfig) *GeoClient {
	return &GeoClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Lookup resolves ip within the configured timeout. Callers treat any error
// as non-fatal and fall back to UnknownLocation.
func (c *GeoClient) Lookup(ctx context.Context, ip string) (*Location, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.config.Endpoint, ip), nil)
	if err != nil {
		return nil, errors.Wrap(err, "geo: building lookup request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "geo: lookup failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("geo: lookup failed with status %d", resp.StatusCode)
	}

	var location Location
	if err := json.NewDecoder(resp.Body).Decode(&location); err != nil {
		return nil, errors.Wrap(err, "geo: decoding lookup response")
	}
	return &location, nil
}

// String renders the location as stored on an accepted invitation.
func (l *Location) String() string {
	if l == nil || (l.City == "" && l.Country == "") {
		return UnknownLocation
	}
	if l.City == "" {
		return l.Country
	}
	return fmt.Sprintf("%s, %s", l.City, l.Country)
}

// GeoModule wires the geolocation client.
var GeoModule = fx.Options(
	fx.Provide(geoConfigProvider),
	fx.Provide(NewGeoClient),
)
