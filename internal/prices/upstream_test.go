package prices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/crash-engine/pkg/models"
)

func TestFetchUSDParsesSimplePricePayload(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":64123.5,"last_updated_at":1711800000},"ethereum":{"usd":3401.12}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	quotes, err := client.FetchUSD(context.Background(), []models.Asset{models.AssetBTC, models.AssetETH})
	require.NoError(t, err)
	require.Equal(t, "/simple/price", gotPath)
	require.Contains(t, gotQuery, "ids=bitcoin%2Cethereum")

	require.True(t, quotes[models.AssetBTC].USD.Equal(decimal.RequireFromString("64123.5")))
	require.EqualValues(t, 1711800000, quotes[models.AssetBTC].UpdatedAt.Unix())
	require.True(t, quotes[models.AssetETH].USD.Equal(decimal.RequireFromString("3401.12")))
	require.True(t, quotes[models.AssetETH].UpdatedAt.IsZero())
}

func TestFetchUSDErrorPaths(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"upstream 500", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"garbage body", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
		{"empty payload", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}},
		{"non-positive quote", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"bitcoin":{"usd":0}}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := NewClient(srv.URL).FetchUSD(context.Background(), []models.Asset{models.AssetBTC})
			require.Error(t, err)
		})
	}
}

func TestFetchUSDRejectsUnknownAsset(t *testing.T) {
	_, err := NewClient("http://localhost:0").FetchUSD(context.Background(), []models.Asset{models.Asset("XMR")})
	require.Error(t, err)
}
