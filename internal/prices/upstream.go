package prices

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

	"github.com/rawblock/crash-engine/pkg/models"
)

// upstreamTimeout bounds every price fetch. An unavailable upstream must
// never block bet placement for longer than this.
const upstreamTimeout = 5 * time.Second

// coinIDs maps asset tags to the upstream's coin identifiers.
var coinIDs = map[models.Asset]string{
	models.AssetBTC: "bitcoin",
	models.AssetETH: "ethereum",
}

// Client fetches USD prices from a CoinGecko-compatible endpoint
// (GET {base}/simple/price?ids=...&vs_currencies=usd).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds an upstream client. baseURL is the API root, e.g.
// https://api.coingecko.com/api/v3.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: upstreamTimeout},
	}
}

// Quote is one upstream observation: the USD price plus the timestamp
// the upstream reported for it (zero when the upstream omits it).
type Quote struct {
	USD       decimal.Decimal
	UpdatedAt time.Time
}

// FetchUSD requests USD quotes for the given assets in a single upstream
// call and returns one quote per asset found in the response.
func (c *Client) FetchUSD(ctx context.Context, assets []models.Asset) (map[models.Asset]Quote, error) {
	if len(assets) == 0 {
		return map[models.Asset]Quote{}, nil
	}

	ids := make([]string, 0, len(assets))
	for _, asset := range assets {
		id, ok := coinIDs[asset]
		if !ok {
			return nil, fmt.Errorf("prices: no upstream id for asset %q", asset)
		}
		ids = append(ids, id)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	endpoint := c.baseURL + "/simple/price?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("prices: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prices: upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("prices: upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// {"bitcoin":{"usd":64123.5,"last_updated_at":1711800000},...}
	var payload map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("prices: decode upstream payload: %w", err)
	}

	out := make(map[models.Asset]Quote, len(assets))
	for _, asset := range assets {
		fields, ok := payload[coinIDs[asset]]
		if !ok {
			continue
		}
		raw, ok := fields["usd"]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw.String())
		if err != nil || price.Sign() <= 0 {
			return nil, fmt.Errorf("prices: upstream returned invalid quote %q for %s", raw.String(), asset)
		}
		quote := Quote{USD: price}
		if ts, ok := fields["last_updated_at"]; ok {
			if unix, err := ts.Int64(); err == nil {
				quote.UpdatedAt = time.Unix(unix, 0).UTC()
			}
		}
		out[asset] = quote
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("prices: upstream response carried no requested quotes")
	}
	return out, nil
}
