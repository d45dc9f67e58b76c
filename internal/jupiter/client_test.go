package jupiter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	solMint  = "So11111111111111111111111111111111111111112"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.URL, nil, logrus.New())
}

func TestGetQuote(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, usdcMint, r.URL.Query().Get("inputMint"))
		assert.Equal(t, solMint, r.URL.Query().Get("outputMint"))
		assert.Equal(t, "100000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "50", r.URL.Query().Get("slippageBps"))

		_, _ = w.Write([]byte(`{"outAmount":"612345678","otherAmountThreshold":"609283950","priceImpactPct":"0.01"}`))
	}))

	quote, err := client.GetQuote(context.Background(), usdcMint, solMint, 100_000_000, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(612_345_678), quote.OutAmount)
	assert.Equal(t, uint64(609_283_950), quote.MinOutAmount)
	assert.True(t, quote.PriceImpactPct.Equal(decimal.RequireFromString("0.01")))
	assert.False(t, quote.Expired(time.Now()))
}

func TestGetQuoteNoRoute(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"outAmount":"0"}`))
	}))

	_, err := client.GetQuote(context.Background(), usdcMint, solMint, 100, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestGetQuoteInsufficientLiquidity(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"insufficient liquidity for this trade"}`))
	}))

	_, err := client.GetQuote(context.Background(), usdcMint, solMint, 100, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestGetQuoteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"outAmount":"42"}`))
	}))

	quote, err := client.GetQuote(context.Background(), usdcMint, solMint, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), quote.OutAmount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBuildSwapTransactionRejectsStaleQuote(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("stale quote must not reach the aggregator")
	}))

	quote := &Quote{
		SourceMint: usdcMint,
		DestMint:   solMint,
		FetchedAt:  time.Now().Add(-time.Minute),
		Raw:        []byte(`{}`),
	}
	_, err := client.BuildSwapTransaction(context.Background(), "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", quote)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleQuote)
}

func TestBuildSwapTransaction(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"swapTransaction":"AQID","lastValidBlockHeight":12345}`))
	}))

	quote := &Quote{
		SourceMint: usdcMint,
		DestMint:   solMint,
		FetchedAt:  time.Now(),
		Raw:        []byte(`{"outAmount":"42"}`),
	}
	tx, err := client.BuildSwapTransaction(context.Background(), "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", quote)
	require.NoError(t, err)
	assert.Equal(t, "AQID", tx.Transaction)
	assert.Equal(t, uint64(12345), tx.LastValidBlockHeight)
}

func TestGetTokenPrice(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price", r.URL.Path)
		assert.Equal(t, solMint, r.URL.Query().Get("ids"))
		_, _ = w.Write([]byte(`{"data":{"So11111111111111111111111111111111111111112":{"price":142.53}}}`))
	}))

	price, err := client.GetTokenPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("142.53")))
}

func TestResolveMint(t *testing.T) {
	mint, err := ResolveMint("usdc")
	require.NoError(t, err)
	assert.Equal(t, usdcMint, mint)

	// Mint addresses pass through.
	mint, err = ResolveMint(solMint)
	require.NoError(t, err)
	assert.Equal(t, solMint, mint)

	_, err = ResolveMint("NOPE")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestBaseUnitConversions(t *testing.T) {
	base, err := ToBaseUnits(decimal.RequireFromString("1.5"), solMint)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), base)

	ui := FromBaseUnits(2_500_000, usdcMint)
	assert.True(t, ui.Equal(decimal.RequireFromString("2.5")))

	_, err = ToBaseUnits(decimal.RequireFromString("-1"), solMint)
	require.Error(t, err)
}
