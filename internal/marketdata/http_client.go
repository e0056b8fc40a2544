package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/riskengine/internal/domain"
)

// HTTPClient fetches daily close prices from a CSV endpoint (stooq-style:
// Date,Open,High,Low,Close,Volume rows, oldest first) and derives simple
// returns from the closes.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPClient creates a market data client for the given base URL.
func NewHTTPClient(baseURL string, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "marketdata").Logger(),
	}
}

type pricePoint struct {
	date  time.Time
	close float64
}

// Returns implements Provider. Closes are converted to one-day simple
// returns via talib.Rocp; the leading lookback element is discarded.
func (c *HTTPClient) Returns(ctx context.Context, ticker string, start, end time.Time) ([]Return, error) {
	prices, err := c.fetchDaily(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	if len(prices) < 2 {
		return nil, fmt.Errorf("%w: %s has %d price points in %s..%s",
			domain.ErrDataUnavailable, ticker, len(prices),
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	closes := make([]float64, len(prices))
	for i, p := range prices {
		closes[i] = p.close
	}
	rocp := talib.Rocp(closes, 1)

	returns := make([]Return, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, Return{Date: prices[i].date, Value: rocp[i]})
	}
	return returns, nil
}

// LatestClose implements Provider.
func (c *HTTPClient) LatestClose(ctx context.Context, ticker string, asOf time.Time) (float64, error) {
	// A short trailing window is enough to find the last trading day.
	prices, err := c.fetchDaily(ctx, ticker, asOf.AddDate(0, 0, -14), asOf)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: no close for %s at %s", domain.ErrDataUnavailable, ticker, asOf.Format("2006-01-02"))
	}
	return prices[len(prices)-1].close, nil
}

func (c *HTTPClient) fetchDaily(ctx context.Context, ticker string, start, end time.Time) ([]pricePoint, error) {
	endpoint := fmt.Sprintf("%s/q/d/l/?s=%s&d1=%s&d2=%s&i=d",
		c.baseURL,
		url.QueryEscape(ticker),
		start.Format("20060102"),
		end.Format("20060102"),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", ticker, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices for %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: ticker %s", domain.ErrDataUnavailable, ticker)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed returned status %d for %s", resp.StatusCode, ticker)
	}

	points, err := parseDailyCSV(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prices for %s: %w", ticker, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: ticker %s has no rows in range", domain.ErrDataUnavailable, ticker)
	}

	c.log.Debug().
		Str("ticker", ticker).
		Int("points", len(points)).
		Msg("Fetched daily prices")

	return points, nil
}

// parseDailyCSV reads Date,Open,High,Low,Close[,Volume] rows, oldest first.
// A header row is detected and skipped.
func parseDailyCSV(r io.Reader) ([]pricePoint, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var points []pricePoint
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) < 5 {
			continue
		}

		date, err := time.Parse("2006-01-02", record[0])
		if err != nil {
			// Header row or malformed date.
			continue
		}
		closePrice, err := strconv.ParseFloat(record[4], 64)
		if err != nil {
			return nil, fmt.Errorf("bad close value %q on %s", record[4], record[0])
		}

		points = append(points, pricePoint{date: date, close: closePrice})
	}
	return points, nil
}
