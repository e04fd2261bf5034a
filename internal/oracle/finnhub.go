package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/metrics"
)

// DefaultFinnhubURL is the public Finnhub REST endpoint.
const DefaultFinnhubURL = "https://finnhub.io/api/v1"

// Finnhub quotes symbols from the Finnhub /quote endpoint.
type Finnhub struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

type finnhubQuote struct {
	Current   decimal.Decimal `json:"c"`
	Timestamp int64           `json:"t"`
}

func (f *Finnhub) Quote(ctx context.Context, symbol string) (Quote, error) {
	base := strings.TrimRight(strings.TrimSpace(f.BaseURL), "/")
	if base == "" {
		base = DefaultFinnhubURL
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", f.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/quote?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, err
	}
	resp, err := f.httpClient().Do(req)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("error").Inc()
		return Quote{}, fmt.Errorf("finnhub quote %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.OracleRequests.WithLabelValues("error").Inc()
		return Quote{}, fmt.Errorf("finnhub quote %s: %w", symbol, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.OracleRequests.WithLabelValues("error").Inc()
		return Quote{}, fmt.Errorf("finnhub quote %s: http %d: %s: %w",
			symbol, resp.StatusCode, strings.TrimSpace(string(b)), ErrUnavailable)
	}

	var fq finnhubQuote
	if err := json.Unmarshal(b, &fq); err != nil {
		metrics.OracleRequests.WithLabelValues("error").Inc()
		return Quote{}, fmt.Errorf("finnhub quote %s: decode: %w", symbol, err)
	}
	// Finnhub answers unknown symbols with all-zero fields.
	if !fq.Current.IsPositive() {
		metrics.OracleRequests.WithLabelValues("unavailable").Inc()
		return Quote{}, fmt.Errorf("finnhub quote %s: %w", symbol, ErrUnavailable)
	}

	asOf := time.Now().UTC()
	if fq.Timestamp > 0 {
		asOf = time.Unix(fq.Timestamp, 0).UTC()
	}
	metrics.OracleRequests.WithLabelValues("ok").Inc()
	return Quote{Symbol: symbol, Price: fq.Current, AsOf: asOf}, nil
}

func (f *Finnhub) httpClient() *http.Client {
	if f.HTTP != nil {
		return f.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}
