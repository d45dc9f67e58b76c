package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSignature = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"

func newTestChainClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, logrus.New())
	c.confirmTimeout = 2 * time.Second
	c.pollInterval = 10 * time.Millisecond
	return c
}

func rpcResult(t *testing.T, w http.ResponseWriter, result string) {
	t.Helper()
	_, err := w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	require.NoError(t, err)
}

func TestSubmitTransaction(t *testing.T) {
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sendTransaction", req.Method)
		rpcResult(t, w, `"`+testSignature+`"`)
	}))

	sig, err := client.SubmitTransaction(context.Background(), "AQID")
	require.NoError(t, err)
	assert.Equal(t, testSignature, sig)
}

func TestSubmitTransactionRPCError(t *testing.T) {
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"Transaction simulation failed"}}`))
	}))

	_, err := client.SubmitTransaction(context.Background(), "AQID")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmitFailed)
}

func TestConfirmTransactionConfirmed(t *testing.T) {
	var calls atomic.Int32
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Not visible for the first poll, confirmed on the second.
		if calls.Add(1) == 1 {
			rpcResult(t, w, `{"value":[null]}`)
			return
		}
		rpcResult(t, w, `{"value":[{"confirmationStatus":"confirmed","err":null}]}`)
	}))

	outcome, err := client.ConfirmTransaction(context.Background(), testSignature)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestConfirmTransactionFailed(t *testing.T) {
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcResult(t, w, `{"value":[{"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}]}`)
	}))

	outcome, err := client.ConfirmTransaction(context.Background(), testSignature)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestConfirmTransactionUnknownOnTimeout(t *testing.T) {
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcResult(t, w, `{"value":[null]}`)
	}))
	client.confirmTimeout = 100 * time.Millisecond

	outcome, err := client.ConfirmTransaction(context.Background(), testSignature)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownOutcome)
	assert.Equal(t, OutcomeUnknown, outcome)
}

func TestGetAccountInfo(t *testing.T) {
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcResult(t, w, `{"value":{"data":["AQID","base64"]}}`)
	}))

	data, err := client.GetAccountInfo(context.Background(), "someaddress")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestGetAccountInfoMissingAccount(t *testing.T) {
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcResult(t, w, `{"value":null}`)
	}))

	data, err := client.GetAccountInfo(context.Background(), "someaddress")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetBalance(t *testing.T) {
	client := newTestChainClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcResult(t, w, `{"value":1000000000}`)
	}))

	balance, err := client.GetBalance(context.Background(), "someaddress")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), balance)
}
