package proximity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const googleMapsBaseURL = "https://maps.googleapis.com/maps/api"

// GoogleMaps implements Geocoder and Router against the Google Maps
// Geocoding and Distance Matrix web services.
type GoogleMaps struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGoogleMaps creates a client. A nil httpClient gets a 10s timeout client.
func NewGoogleMaps(apiKey string, httpClient *http.Client) *GoogleMaps {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleMaps{apiKey: apiKey, baseURL: googleMapsBaseURL, httpClient: httpClient}
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type distanceMatrixResponse struct {
	Status string `json:"status"`
	Rows   []struct {
		Elements []struct {
			Status   string `json:"status"`
			Duration struct {
				Value int64 `json:"value"`
			} `json:"duration"`
			Distance struct {
				Value int64 `json:"value"`
			} `json:"distance"`
		} `json:"elements"`
	} `json:"rows"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Geocode resolves an address to coordinates.
func (g *GoogleMaps) Geocode(ctx context.Context, address string) (Coordinates, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Coordinates{}, ErrNoResult
	}
	params := url.Values{}
	params.Set("address", address)
	params.Set("key", g.apiKey)

	var resp geocodeResponse
	if err := g.get(ctx, "/geocode/json", params, &resp); err != nil {
		return Coordinates{}, fmt.Errorf("proximity: geocode: %w", err)
	}
	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return Coordinates{}, ErrNoResult
	default:
		return Coordinates{}, fmt.Errorf("proximity: geocode status %s: %s", resp.Status, resp.ErrorMessage)
	}
	if len(resp.Results) == 0 {
		return Coordinates{}, ErrNoResult
	}
	loc := resp.Results[0].Geometry.Location
	return Coordinates{Lat: loc.Lat, Lng: loc.Lng}, nil
}

// DriveTime returns the routed travel duration between two points.
func (g *GoogleMaps) DriveTime(ctx context.Context, from, to Coordinates) (time.Duration, error) {
	params := url.Values{}
	params.Set("origins", formatLatLng(from))
	params.Set("destinations", formatLatLng(to))
	params.Set("mode", "driving")
	params.Set("key", g.apiKey)

	var resp distanceMatrixResponse
	if err := g.get(ctx, "/distancematrix/json", params, &resp); err != nil {
		return 0, fmt.Errorf("proximity: distance matrix: %w", err)
	}
	if resp.Status != "OK" {
		return 0, fmt.Errorf("proximity: distance matrix status %s: %s", resp.Status, resp.ErrorMessage)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, ErrNoResult
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("proximity: route element status %s: %w", el.Status, ErrNoResult)
	}
	return time.Duration(el.Duration.Value) * time.Second, nil
}

func (g *GoogleMaps) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func formatLatLng(c Coordinates) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}
