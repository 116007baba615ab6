package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"farmtrade/native/deal"
	"farmtrade/observability/logging"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is within range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Route is the leg a carrier drives.
type Route struct {
	Origin      Point
	Destination Point
}

// Quote is a frozen freight price for a route.
type Quote struct {
	DistanceKm float64
	Amount     decimal.Decimal
	// Source names where the distance came from: "matrix" or "haversine".
	Source string
}

// DistanceSource resolves driving distance between two points in kilometres.
type DistanceSource interface {
	Name() string
	DistanceKm(ctx context.Context, route Route) (float64, error)
}

// Config parameterises the quoter.
type Config struct {
	Endpoint  string
	APIKey    string
	RatePerKm decimal.Decimal
	BaseFee   decimal.Decimal
	Timeout   time.Duration
}

// Quoter prices freight as baseFee + ratePerKm × distance.
type Quoter struct {
	source    DistanceSource
	ratePerKm decimal.Decimal
	baseFee   decimal.Decimal
	logger    *slog.Logger
}

// NewQuoter builds a quoter. With no endpoint configured every quote uses the
// great-circle distance.
func NewQuoter(cfg Config, logger *slog.Logger) *Quoter {
	q := &Quoter{
		ratePerKm: cfg.RatePerKm,
		baseFee:   cfg.BaseFee,
		logger:    logging.Component(logger, "pricing"),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		q.source = &MatrixClient{
			endpoint: endpoint,
			apiKey:   strings.TrimSpace(cfg.APIKey),
			httpClient: &http.Client{
				Timeout:   timeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		}
	}
	return q
}

// WithSource replaces the distance source.
func (q *Quoter) WithSource(src DistanceSource) *Quoter {
	q.source = src
	return q
}

// QuoteFreight returns the freight for route. A failing distance source falls
// back to the haversine distance rather than failing the deal.
func (q *Quoter) QuoteFreight(ctx context.Context, route Route) (Quote, error) {
	if !route.Origin.Valid() || !route.Destination.Valid() {
		return Quote{}, fmt.Errorf("%w: route coordinates out of range", deal.ErrInvalidArgument)
	}
	km, source := -1.0, "haversine"
	if q.source != nil {
		d, err := q.source.DistanceKm(ctx, route)
		if err != nil {
			q.logger.Warn("distance lookup failed, using great-circle distance",
				slog.String("source", q.source.Name()), slog.Any("error", err))
		} else {
			km, source = d, q.source.Name()
		}
	}
	if km < 0 {
		km = HaversineKm(route.Origin, route.Destination)
	}
	km = math.Round(km*100) / 100
	amount := q.baseFee.Add(q.ratePerKm.Mul(decimal.NewFromFloat(km))).Round(deal.MoneyPlaces)
	return Quote{DistanceKm: km, Amount: amount, Source: source}, nil
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b Point) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// MatrixClient queries a distance-matrix style HTTP endpoint.
type MatrixClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewMatrixClient constructs a client for endpoint using httpClient.
func NewMatrixClient(endpoint, apiKey string, httpClient *http.Client) *MatrixClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &MatrixClient{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}
}

// Name implements DistanceSource.
func (c *MatrixClient) Name() string { return "matrix" }

type matrixResponse struct {
	Status string `json:"status"`
	Rows   []struct {
		Elements []struct {
			Status   string `json:"status"`
			Distance struct {
				Value float64 `json:"value"`
			} `json:"distance"`
		} `json:"elements"`
	} `json:"rows"`
}

func formatPoint(p Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

// DistanceKm implements DistanceSource.
func (c *MatrixClient) DistanceKm(ctx context.Context, route Route) (float64, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, fmt.Errorf("pricing: endpoint: %w", err)
	}
	query := u.Query()
	query.Set("origins", formatPoint(route.Origin))
	query.Set("destinations", formatPoint(route.Destination))
	query.Set("units", "metric")
	if c.apiKey != "" {
		query.Set("key", c.apiKey)
	}
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("pricing: request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pricing: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("pricing: unexpected status %d", resp.StatusCode)
	}
	var payload matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("pricing: decode: %w", err)
	}
	if payload.Status != "OK" || len(payload.Rows) == 0 || len(payload.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("pricing: no route (status %q)", payload.Status)
	}
	el := payload.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("pricing: element status %q", el.Status)
	}
	return el.Distance.Value / 1000, nil
}
