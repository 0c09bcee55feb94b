package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	body   map[string]interface{}
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, *[]captured) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{method: r.Method, path: r.URL.EscapedPath()}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.body)
		}
		mu.Lock()
		calls = append(calls, c)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, server string, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestBackfill(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, `{"success":true,"duplicate":false,"orderId":"ord-1"}`)

	out, err := run(t, srv.URL, "", "backfill", "--tx", "tx-9")
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPost, (*calls)[0].method)
	assert.Equal(t, "/admin/backfill", (*calls)[0].path)
	assert.Equal(t, "tx-9", (*calls)[0].body["transactionId"])
	assert.Contains(t, out, `"orderId": "ord-1"`)
}

func TestBackfill_RequiresAnIdentifier(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, `{}`)
	_, err := run(t, srv.URL, "", "backfill")
	assert.Error(t, err)
	assert.Empty(t, *calls)
}

func TestReadCommandsHitAdminRoutes(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"ledger", "tx/1"}, http.MethodGet, "/admin/ledger/tx%2F1"},
		{[]string{"order", "ord-1"}, http.MethodGet, "/admin/orders/ord-1"},
		{[]string{"governor"}, http.MethodGet, "/admin/governor"},
		{[]string{"sweep"}, http.MethodPost, "/admin/ledger/sweep"},
		{[]string{"resend", "ord-1"}, http.MethodPost, "/admin/orders/ord-1/notifications/resend"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			srv, calls := newServer(t, http.StatusOK, `{"ok":true}`)
			_, err := run(t, srv.URL, "", tt.args...)
			require.NoError(t, err)
			require.Len(t, *calls, 1)
			assert.Equal(t, tt.method, (*calls)[0].method)
			assert.Equal(t, tt.path, (*calls)[0].path)
		})
	}
}

func TestNonSuccessStatusPrintsBodyAndFails(t *testing.T) {
	srv, _ := newServer(t, http.StatusNotFound, `{"error":"order not found"}`)

	out, err := run(t, srv.URL, "", "order", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, out, "order not found")
}

func TestComplete_FromFileAndStdin(t *testing.T) {
	event := `{"transactionId":"tx-1","currency":"EUR"}`
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(event), 0o600))

	srv, calls := newServer(t, http.StatusOK, `{"outcome":"finalized"}`)
	_, err := run(t, srv.URL, "", "complete", "-f", path)
	require.NoError(t, err)
	_, err = run(t, srv.URL, event, "complete")
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	for _, c := range *calls {
		assert.Equal(t, "/v1/orders/complete", c.path)
		assert.Equal(t, "tx-1", c.body["transactionId"])
	}

	_, err = run(t, srv.URL, "{not json", "complete")
	assert.Error(t, err)
}
