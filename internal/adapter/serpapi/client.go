package serpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
)

// DefaultBaseURL is the SerpAPI search endpoint.
const DefaultBaseURL = "https://serpapi.com/search"

// Client implements domain.HospitalFinder using the SerpAPI Google Maps engine.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	query      string
	zoom       int
	logger     *slog.Logger
}

// NewClient creates a SerpAPI client. query is the Maps search term (usually
// "hospitals") and zoom the map zoom level sent with the coordinates.
func NewClient(apiKey, baseURL, query string, zoom int, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		query:   query,
		zoom:    zoom,
		logger:  logger,
	}
}

// NearestHospital returns the first Maps result for the configured query
// around lat,lon. A zero Hospital with a nil error means no results.
func (c *Client) NearestHospital(ctx context.Context, lat, lon float64) (domain.Hospital, error) {
	params := url.Values{
		"engine":  {"google_maps"},
		"type":    {"search"},
		"q":       {c.query},
		"ll":      {"@" + formatCoord(lat) + "," + formatCoord(lon) + "," + strconv.Itoa(c.zoom) + "z"},
		"api_key": {c.apiKey},
	}
	return c.doRequest(ctx, c.baseURL+"?"+params.Encode())
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.Hospital, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.Hospital{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request URL carries the API key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = c.baseURL
		}
		return domain.Hospital{}, fmt.Errorf("hospital search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Hospital{}, fmt.Errorf("serpapi error: status %d: %s", resp.StatusCode, body)
	}

	var serpResp response
	if err := json.NewDecoder(resp.Body).Decode(&serpResp); err != nil {
		return domain.Hospital{}, fmt.Errorf("decode response: %w", err)
	}

	switch {
	case len(serpResp.LocalResults) > 0:
		return serpResp.LocalResults[0].hospital(), nil
	case serpResp.PlaceResults != nil && serpResp.PlaceResults.Title != "":
		return serpResp.PlaceResults.hospital(), nil
	case serpResp.Error != "" && !isNoResults(serpResp.Error):
		return domain.Hospital{}, fmt.Errorf("serpapi error: %s", serpResp.Error)
	}

	c.logger.Debug("hospital search returned no results", "search_id", serpResp.Metadata.ID)
	return domain.Hospital{}, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func isNoResults(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "returned any results")
}

// SerpAPI response types.

type response struct {
	Metadata     metadata `json:"search_metadata"`
	LocalResults []place  `json:"local_results"`
	PlaceResults *place   `json:"place_results"`
	Error        string   `json:"error"`
}

type metadata struct {
	ID string `json:"id"`
}

type place struct {
	Title   string `json:"title"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

func (p place) hospital() domain.Hospital {
	return domain.Hospital{Name: p.Title, Address: p.Address, Phone: p.Phone}
}
