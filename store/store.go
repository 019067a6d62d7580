// Package store persists snapshots of the base tables of an engine, and
// restores them on startup.
package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.tributary.dev/core/codecs"
	"go.tributary.dev/core/engine"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
)

// Config of the SnapshotStore.
type Config struct {
	Dir      string        `long:"dir" env:"DIR" description:"Directory of base table snapshots. Snapshots are disabled if not set"`
	Codec    codecs.Codec  `long:"codec" env:"CODEC" default:"snappy" choice:"none" choice:"gzip" choice:"snappy" choice:"zstd" description:"Compression codec of snapshots"`
	Interval time.Duration `long:"interval" env:"INTERVAL" default:"5m" description:"Interval between periodic snapshots. Zero disables periodic snapshots"`
}

// SnapshotStore persists an engine.Snapshot as a codec-compressed stream of
// JSON-encoded tables. A Snapshot is written to a "next" file, which is then
// atomically renamed to "current", so that a complete snapshot is always
// recovered, even if a process failure produced a partially written file.
type SnapshotStore struct {
	fs    afero.Fs
	dir   string
	codec codecs.Codec
}

// NewSnapshotStore returns a SnapshotStore of |dir| within the Fs, which is
// created if it doesn't exist.
func NewSnapshotStore(fs afero.Fs, dir string, codec codecs.Codec) (*SnapshotStore, error) {
	if err := codec.Validate(); err != nil {
		return nil, err
	} else if err = fs.MkdirAll(dir, 0700); err != nil {
		return nil, errors.WithMessage(err, "creating snapshot directory")
	}
	return &SnapshotStore{fs: fs, dir: dir, codec: codec}, nil
}

// Save the Snapshot, replacing the current one.
func (s *SnapshotStore) Save(snap *engine.Snapshot) error {
	// O_TRUNC over-writes a "next" file of a failed prior Save.
	var f, err = s.fs.OpenFile(s.nextPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithMessage(err, "creating snapshot file")
	}
	var cw = &countingWriter{w: f}

	comp, err := codecs.NewCodecWriter(cw, s.codec)
	if err != nil {
		f.Close()
		return err
	}
	var enc = json.NewEncoder(comp)

	for _, table := range snap.Tables {
		if err = enc.Encode(table); err != nil {
			err = errors.WithMessagef(err, "encode(%s)", table.Base)
			break
		}
	}
	if err != nil {
		// Pass.
	} else if err = comp.Close(); err != nil {
		err = errors.WithMessage(err, "closing compressor")
	} else if err = f.Close(); err != nil {
		err = errors.WithMessage(err, "closing snapshot file")
	} else if err = s.fs.Rename(s.nextPath(), s.currentPath()); err != nil {
		err = errors.WithMessage(err, "renaming next => current")
	}
	if err != nil {
		f.Close()
		return err
	}

	log.WithFields(log.Fields{
		"path":   s.currentPath(),
		"tables": len(snap.Tables),
		"size":   humanize.Bytes(uint64(cw.n)),
	}).Info("saved snapshot")

	return nil
}

// Load the current Snapshot, decoding rows against the schemas of bases of
// Graph |g|. If there is no current Snapshot, Load returns nil.
func (s *SnapshotStore) Load(g *graph.Graph) (*engine.Snapshot, error) {
	var f, err = s.fs.Open(s.currentPath())
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithMessage(err, "opening snapshot file")
	}
	defer f.Close()

	dec, err := codecs.NewCodecReader(f, s.codec)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var snap = new(engine.Snapshot)
	var jd = json.NewDecoder(dec)

	for {
		var table struct {
			Base string            `json:"base"`
			Rows []json.RawMessage `json:"rows"`
		}
		if err = jd.Decode(&table); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.WithMessage(err, "decoding snapshot table")
		}

		var n, lookupErr = g.Lookup(table.Base)
		if lookupErr != nil {
			return nil, errors.WithMessage(lookupErr, "snapshot table")
		} else if n.Kind() != graph.KindBase {
			return nil, errors.Wrapf(engine.ErrNotABase, "snapshot table %q", table.Base)
		}
		var out = engine.Table{Base: table.Base, Rows: make([]row.Row, 0, len(table.Rows))}

		for _, raw := range table.Rows {
			var r, decodeErr = n.Schema.DecodeJSON(raw)
			if decodeErr != nil {
				return nil, errors.WithMessagef(decodeErr, "snapshot table %q", table.Base)
			}
			out.Rows = append(out.Rows, r)
		}
		snap.Tables = append(snap.Tables, out)
	}
	return snap, nil
}

// Periodic saves Snapshots of the Engine every |interval|, until the Context
// is cancelled.
func (s *SnapshotStore) Periodic(ctx context.Context, e *engine.Engine, interval time.Duration) error {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var snap, err = e.Snapshot(ctx)
			if ctx.Err() != nil {
				return nil // Stopping.
			} else if err != nil {
				return errors.WithMessage(err, "taking snapshot")
			} else if err = s.Save(snap); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *SnapshotStore) currentPath() string {
	return filepath.Join(s.dir, "current.json"+s.codec.Extension())
}
func (s *SnapshotStore) nextPath() string {
	return filepath.Join(s.dir, "next.json"+s.codec.Extension())
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	var n, err = c.w.Write(p)
	c.n += int64(n)
	return n, err
}
