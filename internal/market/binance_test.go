package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klineJSON(openTime time.Time, close string) string {
	ms := openTime.UnixMilli()
	return fmt.Sprintf(`[%d,"1.0","1.0","1.0","%s","10.0",%d,"10.0",5,"1.0","1.0","0"]`,
		ms, close, ms+86399999)
}

func newBinanceTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			rows := []string{
				klineJSON(base, "100.5"),
				klineJSON(base.AddDate(0, 0, 1), "101.5"),
				klineJSON(base.AddDate(0, 0, 2), "99.0"),
			}
			_, _ = w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
		}
	}))
}

func TestBinanceFetcher_Fetch(t *testing.T) {
	server := newBinanceTestServer(t)
	defer server.Close()

	fetcher := NewBinanceFetcher(BinanceConfig{BaseURL: server.URL, RequestsPerSecond: 100})

	history, err := fetcher.Fetch(context.Background(), []string{"BTCUSDT", "NOPE"}, 30)
	require.NoError(t, err)

	require.Contains(t, history, "BTCUSDT")
	assert.NotContains(t, history, "NOPE")
	assert.Equal(t, []float64{100.5, 101.5, 99.0}, Prices(history["BTCUSDT"]))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), history["BTCUSDT"][0].Timestamp)
}

func TestBinanceFetcher_CancelledContext(t *testing.T) {
	server := newBinanceTestServer(t)
	defer server.Close()

	fetcher := NewBinanceFetcher(BinanceConfig{BaseURL: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetcher.Fetch(ctx, []string{"BTCUSDT"}, 30)
	assert.Error(t, err)
}
