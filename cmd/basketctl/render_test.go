package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &client{base: srv.URL, token: "secret", http: srv.Client()}
}

func TestRunBasketRendersHoldings(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/baskets/1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":1,"owner":"0xc1","source_token":"0xd1","total_sell_amount":"1000",
			"holdings":[{"token":"0xd2","amount":"990"}],"updated_at":"2026-01-02T03:04:05Z"}`))
	})

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), c, &out, []string{"basket", "1"}))
	assert.Contains(t, out.String(), "0xd2")
	assert.Contains(t, out.String(), "990")
}

func TestRunSurfacesAPIErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"records: 篮子 9 不存在","kind":"NotFound"}`))
	})

	err := run(context.Background(), c, &bytes.Buffer{}, []string{"basket", "9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
}

func TestRunRebuildSendsToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"revision":2,"entries":3,"is_cached":true}`))
	})

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), c, &out, []string{"rebuild"}))
	assert.Contains(t, out.String(), "revision=2")
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	c := &client{base: "http://127.0.0.1:0", http: http.DefaultClient}
	require.Error(t, run(context.Background(), c, &bytes.Buffer{}, []string{"nope"}))
}
