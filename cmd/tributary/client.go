package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/http_gateway"
	mbp "go.tributary.dev/core/mainboilerplate"
)

type lookupConfig struct {
	Tributary mbp.AddressConfig `group:"Tributary" namespace:"tributary" env-namespace:"TRIBUTARY"`
	Log       mbp.LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`

	View    string        `long:"view" required:"true" description:"Name of the view to look up"`
	Key     string        `long:"key" required:"true" description:"JSON array of the key to look up"`
	Timeout time.Duration `long:"timeout" default:"10s" description:"Duration to wait for a key which must be filled"`
	Format  string        `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
}

var lookupCfg = new(lookupConfig)

func (cfg *lookupConfig) Execute([]string) error {
	mbp.InitLog(cfg.Log)

	var q = url.Values{
		"view":    {cfg.View},
		"key":     {cfg.Key},
		"timeout": {cfg.Timeout.String()},
	}
	var resp, err = http.Get(cfg.Tributary.Address + "/lookup?" + q.Encode())
	mbp.Must(err, "failed to look up key")
	defer resp.Body.Close()

	body, err := readResponse(resp)
	mbp.Must(err, "failed to look up key", "view", cfg.View)

	switch cfg.Format {
	case "json":
		_, err = os.Stdout.Write(body)
		mbp.Must(err, "failed to write output")
	case "table":
		var lr struct {
			Columns []string            `json:"columns"`
			Rows    [][]json.RawMessage `json:"rows"`
		}
		mbp.Must(json.Unmarshal(body, &lr), "failed to decode response")

		var table = tablewriter.NewWriter(os.Stdout)
		var header = make([]any, len(lr.Columns))
		for i, c := range lr.Columns {
			header[i] = c
		}
		table.Header(header...)
		for _, r := range lr.Rows {
			var cells = make([]string, len(r))
			for i, v := range r {
				cells[i] = strings.Trim(string(v), `"`)
			}
			mbp.Must(table.Append(cells), "failed to write row")
		}
		mbp.Must(table.Render(), "failed to write output")
	}
	return nil
}

type writeConfig struct {
	Tributary mbp.AddressConfig `group:"Tributary" namespace:"tributary" env-namespace:"TRIBUTARY"`
	Log       mbp.LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Base string `long:"base" required:"true" description:"Name of the base to write"`
	File string `long:"file" short:"f" default:"-" description:"File of newline-delimited JSON records, or '-' for stdin"`
}

var writeCfg = new(writeConfig)

func (cfg *writeConfig) Execute([]string) error {
	mbp.InitLog(cfg.Log)

	var in io.Reader = os.Stdin
	if cfg.File != "-" {
		var f, err = os.Open(cfg.File)
		mbp.Must(err, "failed to open records file")
		defer f.Close()
		in = f
	}

	var resp, err = http.Post(cfg.Tributary.Address+"/write?"+url.Values{"base": {cfg.Base}}.Encode(),
		"application/x-ndjson", in)
	mbp.Must(err, "failed to write records")
	defer resp.Body.Close()

	body, err := readResponse(resp)
	mbp.Must(err, "failed to write records", "base", cfg.Base)

	var wr http_gateway.WriteResponse
	mbp.Must(json.Unmarshal(body, &wr), "failed to decode response")

	log.WithFields(log.Fields{
		"base":    wr.Base,
		"seq":     wr.Seq,
		"records": wr.Records,
	}).Info("wrote records")
	return nil
}

// readResponse reads the body of |resp|, mapping a non-OK status to an error.
func readResponse(resp *http.Response) ([]byte, error) {
	var body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "reading response")
	} else if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
