package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAPIClient(t *testing.T) {
	var (
		gotBody        map[string]any
		gotMethod      string
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/send":
				gotMethod = r.Method
				gotContentType = r.Header.Get("Content-Type")

				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &gotBody)
				_, _ = w.Write([]byte(`{"txid":"00ff"}`))

			case "/api/cfds":
				w.Header().Set("Content-Type",
					"application/problem+json")
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"status":409,` +
					`"title":"Failed to open cfd",` +
					`"detail":"no channel with maker"}`))

			default:
				http.Error(w, "gone", http.StatusBadGateway)
			}
		},
	))
	t.Cleanup(srv.Close)

	c := newAPIClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	resp, err := c.do(ctx, http.MethodPost, "/send", map[string]any{
		"address":     "bcrt1q",
		"amount_sats": 1000,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"txid":"00ff"}`, string(resp))
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "bcrt1q", gotBody["address"])
	require.EqualValues(t, 1000, gotBody["amount_sats"])

	_, err = c.do(ctx, http.MethodPost, "/cfds", nil)
	var p *problem
	require.True(t, errors.As(err, &p))
	require.Equal(t, http.StatusConflict, p.Status)
	require.Equal(t, "Failed to open cfd (409): no channel with maker",
		p.Error())

	// Plain text errors still turn into a problem.
	_, err = c.do(ctx, http.MethodGet, "/other", nil)
	require.True(t, errors.As(err, &p))
	require.Equal(t, http.StatusBadGateway, p.Status)
	require.Equal(t, "Bad Gateway", p.Title)
	require.Equal(t, "gone", p.Detail)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"a":1}`)))
	require.Equal(t, "{\n    \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printJSON(&buf, nil))
	require.Empty(t, buf.String())
}
