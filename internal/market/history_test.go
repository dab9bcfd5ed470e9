package market

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLookback(t *testing.T) {
	tests := []struct {
		in      string
		want    Lookback
		wantErr bool
	}{
		{"", DefaultLookback, false},
		{"1mo", 30, false},
		{"3mo", 90, false},
		{"6mo", 180, false},
		{"1y", 365, false},
		{"2Y", 730, false},
		{"45d", 45, false},
		{"10", 10, false},
		{"0", 0, true},
		{"-5d", 0, true},
		{"forever", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLookback(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryFetcher_TrimsToLookbackAndSorts(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := NewMemoryFetcher(History{
		"AAPL": {
			{Timestamp: base.AddDate(0, 0, 40), Price: 3},
			{Timestamp: base, Price: 1},
			{Timestamp: base.AddDate(0, 0, 20), Price: 2},
		},
	})

	history, err := fetcher.Fetch(context.Background(), []string{"AAPL", "MSFT"}, 30)
	require.NoError(t, err)

	assert.NotContains(t, history, "MSFT")
	require.Len(t, history["AAPL"], 2)
	assert.Equal(t, 2.0, history["AAPL"][0].Price)
	assert.Equal(t, 3.0, history["AAPL"][1].Price)
}

func TestMemoryFetcher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryFetcher(History{}).Fetch(ctx, []string{"AAPL"}, 30)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadHistory(t *testing.T) {
	input := `{"AAPL":[{"timestamp":"2024-01-02T00:00:00Z","price":101},{"timestamp":"2024-01-01T00:00:00Z","price":100}]}`

	history, err := ReadHistory(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, history["AAPL"], 2)
	assert.Equal(t, []float64{100, 101}, Prices(history["AAPL"]))
}
