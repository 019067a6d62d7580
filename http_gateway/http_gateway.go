// Package http_gateway presents an HTTP gateway to an engine, mapping GET
// requests into lookups of readers and POST requests into writes of bases.
package http_gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/engine"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/upquery"
	"golang.org/x/net/trace"
)

// Engine is the subset of *engine.Engine used by the Gateway.
type Engine interface {
	Graph() *graph.Graph
	LookupWait(ctx context.Context, view string, key row.Key, timeout time.Duration) ([]row.Row, error)
	Write(ctx context.Context, base string, records row.Records) (engine.Ack, error)
}

// Gateway presents an HTTP gateway to an Engine:
//
//	GET  /lookup?view=<reader>&key=<JSON array>&timeout=<duration>
//	POST /write?base=<base>   with a body of newline-delimited {"op": "+"|"-", "row": [...]}
type Gateway struct {
	decoder *schema.Decoder
	engine  Engine
	mux     *http.ServeMux
}

// NewGateway returns a Gateway of the Engine.
func NewGateway(e Engine) *Gateway {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)
	decoder.RegisterConverter(time.Duration(0), func(s string) reflect.Value {
		if d, err := time.ParseDuration(s); err == nil {
			return reflect.ValueOf(d)
		}
		return reflect.Value{} // Invalid.
	})

	var h = &Gateway{decoder: decoder, engine: e, mux: http.NewServeMux()}
	h.mux.HandleFunc("/lookup", h.serveLookup)
	h.mux.HandleFunc("/write", h.serveWrite)
	return h
}

func (h *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tr = trace.New("http_gateway", r.URL.Path)
	defer tr.Finish()
	tr.LazyPrintf("RemoteAddr: %s", r.RemoteAddr)

	h.mux.ServeHTTP(w, r.WithContext(trace.NewContext(r.Context(), tr)))
}

// LookupResponse is the JSON response of a lookup.
type LookupResponse struct {
	View    string    `json:"view"`
	Columns []string  `json:"columns"`
	Rows    []row.Row `json:"rows"`
}

// WriteRecord is a JSON-encoded Record of a write request.
type WriteRecord struct {
	Op  string          `json:"op"`
	Row json.RawMessage `json:"row"`
}

// WriteResponse is the JSON response of a write.
type WriteResponse struct {
	Base    string `json:"base"`
	Seq     uint64 `json:"seq"`
	Records int    `json:"records"`
}

func (h *Gateway) serveLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, fmt.Sprintf("unknown method: %s", r.Method), http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		View    string        `schema:"view,required"`
		Key     string        `schema:"key,required"`
		Timeout time.Duration `schema:"timeout"`
	}
	var n, err = h.parseRequest(r, &req, &req.View)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Timeout == 0 {
		req.Timeout = 10 * time.Second
	}

	key, err := n.Schema.Project(n.Key).DecodeJSON([]byte(req.Key))
	if err != nil {
		writeError(w, errors.WithMessage(err, "key"))
		return
	}
	rows, err := h.engine.LookupWait(r.Context(), req.View, row.Key(key), req.Timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	addTrace(r.Context(), "lookup(%s, %s) => %d rows", req.View, key, len(rows))
	if rows == nil {
		rows = []row.Row{}
	}
	writeJSON(w, http.StatusOK, LookupResponse{View: req.View, Columns: n.Schema.Names(), Rows: rows})
}

func (h *Gateway) serveWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, fmt.Sprintf("unknown method: %s", r.Method), http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Base string `schema:"base,required"`
	}
	var n, err = h.parseRequest(r, &req, &req.Base)
	if err != nil {
		writeError(w, err)
		return
	}

	var records row.Records
	var dec = json.NewDecoder(r.Body)

	for dec.More() {
		var rec WriteRecord
		if err = dec.Decode(&rec); err != nil {
			writeError(w, errors.Wrapf(errBadRequest, "decoding record: %s", err))
			return
		}
		var decoded, decodeErr = n.Schema.DecodeJSON(rec.Row)
		if decodeErr != nil {
			writeError(w, errors.WithMessagef(decodeErr, "record %d", len(records)))
			return
		}
		switch rec.Op {
		case "+", "":
			records = append(records, row.Positive(decoded))
		case "-":
			records = append(records, row.Negative(decoded))
		default:
			writeError(w, errors.Wrapf(errBadRequest, "record %d: unknown op %q", len(records), rec.Op))
			return
		}
	}

	ack, err := h.engine.Write(r.Context(), req.Base, records)
	if err != nil {
		writeError(w, err)
		return
	}
	addTrace(r.Context(), "write(%s, %d records) => seq %d", ack.Base, len(records), ack.Seq)

	w.Header().Set(SeqHeader, strconv.FormatUint(ack.Seq, 10))
	writeJSON(w, http.StatusOK, WriteResponse{Base: ack.Base, Seq: ack.Seq, Records: len(records)})
}

// parseRequest decodes the query of |r| into |req|, and resolves the node
// named by its decoded field |name|.
func (h *Gateway) parseRequest(r *http.Request, req interface{}, name *string) (*graph.Node, error) {
	var q, err = url.ParseQuery(r.URL.RawQuery)
	if err == nil {
		err = h.decoder.Decode(req, q)
	}
	if err != nil {
		return nil, errors.Wrap(errBadRequest, err.Error())
	}
	var g = h.engine.Graph()
	if g == nil {
		return nil, engine.ErrNotInstalled
	}
	return g.Lookup(*name)
}

// writeError maps |err| to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	var status int

	switch errors.Cause(err) {
	case errBadRequest, row.ErrSchemaMismatch, engine.ErrNotAView, engine.ErrNotABase:
		status = http.StatusBadRequest // 400.
	case graph.ErrUnknownNode:
		status = http.StatusNotFound // 404.
	case upquery.ErrTimeout:
		status = http.StatusGatewayTimeout // 504.
	case engine.ErrEngineStopped, engine.ErrNotInstalled:
		status = http.StatusServiceUnavailable // 503.
	default:
		status = http.StatusInternalServerError // 500.
		log.WithField("err", err).Warn("http_gateway: failed to serve request")
	}
	http.Error(w, err.Error(), status)
}

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("http_gateway: failed to write response")
	}
}

// SeqHeader is the response header of a write's sequence number.
const SeqHeader = "X-Tributary-Seq"

var errBadRequest = errors.New("bad request")
