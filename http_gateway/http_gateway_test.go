package http_gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.tributary.dev/core/engine"
	"go.tributary.dev/core/graph"
)

func TestWriteThenLookup(t *testing.T) {
	var srv = httptest.NewServer(NewGateway(serve(t)))
	defer srv.Close()

	var resp = post(t, srv, "/write?base=orders", `
{"op": "+", "row": [1, 7, 100]}
{"op": "+", "row": [2, 7, 50]}
{"row": [3, 8, 10]}
`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get(SeqHeader))

	var wr WriteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wr))
	require.Equal(t, WriteResponse{Base: "orders", Seq: 1, Records: 3}, wr)

	resp = post(t, srv, "/write?base=orders", `{"op": "-", "row": [1, 7, 100]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv, "/lookup?view=by_user&timeout=1m&key="+url.QueryEscape("[7]"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"view": "by_user", "columns": ["user_id", "total"], "rows": [[7, 50]]}`, body(t, resp))

	resp = get(t, srv, "/lookup?view=by_user&key="+url.QueryEscape("[99]"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"view": "by_user", "columns": ["user_id", "total"], "rows": []}`, body(t, resp))
}

func TestRequestErrorStatuses(t *testing.T) {
	var srv = httptest.NewServer(NewGateway(serve(t)))
	defer srv.Close()

	for _, tc := range []struct {
		method, path, body string
		status             int
	}{
		{"GET", "/lookup?view=missing&key=[1]", "", http.StatusNotFound},
		{"GET", "/lookup?view=totals&key=[1]", "", http.StatusBadRequest},
		{"GET", "/lookup?view=by_user&key=[\"seven\"]", "", http.StatusBadRequest},
		{"GET", "/lookup?view=by_user", "", http.StatusBadRequest},
		{"GET", "/lookup?view=by_user&key=[1]&timeout=soon", "", http.StatusBadRequest},
		{"GET", "/lookup?view=by_user&key=[1]&other=1", "", http.StatusBadRequest},
		{"PUT", "/lookup?view=by_user&key=[1]", "", http.StatusMethodNotAllowed},
		{"POST", "/write?base=by_user", `{"row": [1, 2]}`, http.StatusBadRequest},
		{"POST", "/write?base=orders", `{"row": [1, 2]}`, http.StatusBadRequest},
		{"POST", "/write?base=orders", `{"op": "*", "row": [1, 2, 3]}`, http.StatusBadRequest},
		{"POST", "/write?base=orders", `{"row": `, http.StatusBadRequest},
		{"GET", "/write?base=orders", "", http.StatusMethodNotAllowed},
		{"GET", "/other", "", http.StatusNotFound},
	} {
		var req, err = http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, tc.status, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func serve(t *testing.T) *engine.Engine {
	var topo, err = graph.ParseTopology(strings.NewReader(`
nodes:
  - name: orders
    kind: base
    domain: base
    columns: [{name: id, kind: int}, {name: user_id, kind: int}, {name: total, kind: int}]
  - name: totals
    kind: aggregate
    parents: [orders]
    domain: views
    materialized: partial
    aggregate: {group: [1], func: sum, over: 2, as: total}
  - {name: by_user, kind: reader, parents: [totals], domain: views, materialized: partial, key: [0]}
`))
	require.NoError(t, err)

	var e = engine.New(engine.Config{})
	_, err = e.Install(topo)
	require.NoError(t, err)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return e
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	var resp, err = http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, srv *httptest.Server, path, doc string) *http.Response {
	var resp, err = http.Post(srv.URL+path, "application/x-ndjson", strings.NewReader(doc))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	var b, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
