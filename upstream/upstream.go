// Package upstream seeds base tables of an engine from tables of an upstream
// relational database, through a "database/sql" compatible driver.
package upstream

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql" // Registers "mysql".
	_ "github.com/lib/pq"              // Registers "postgres".
	_ "github.com/mattn/go-sqlite3"    // Registers "sqlite3".
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/engine"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
)

// Config of the upstream database.
type Config struct {
	Driver    string `long:"driver" env:"DRIVER" default:"postgres" choice:"postgres" choice:"mysql" choice:"sqlite3" description:"Driver of the upstream database"`
	DSN       string `long:"dsn" env:"DSN" description:"Data source name of the upstream database. Bases aren't seeded if not set"`
	BatchSize int    `long:"batch-size" env:"BATCH_SIZE" default:"1000" description:"Number of rows of each write of a seeding transaction"`
}

// Loader seeds base tables which declare an upstream_table.
type Loader struct {
	db        *sql.DB
	driver    string
	batchSize int
}

// Open the upstream database of the Config, and return its Loader.
func Open(ctx context.Context, cfg Config) (*Loader, error) {
	var db, err = sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s database", cfg.Driver)
	} else if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WithMessagef(err, "connecting to %s database", cfg.Driver)
	}
	return NewLoader(db, cfg.Driver, cfg.BatchSize), nil
}

// NewLoader returns a Loader of the DB, which uses the quoting conventions
// of |driver|.
func NewLoader(db *sql.DB, driver string, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Loader{db: db, driver: driver, batchSize: batchSize}
}

// Close the upstream database.
func (l *Loader) Close() error { return l.db.Close() }

// Load every base of the Engine's graph which declares an upstream_table,
// writing its rows in a single transaction. It returns the number of rows loaded.
func (l *Loader) Load(ctx context.Context, e *engine.Engine) (int, error) {
	var g = e.Graph()
	if g == nil {
		return 0, engine.ErrNotInstalled
	}
	var total int

	for _, ind := range g.Topo() {
		var n = g.Node(ind)
		if n.Kind() != graph.KindBase || n.Spec.UpstreamTable == "" {
			continue
		}
		var count, err = l.loadTable(ctx, e, n)
		if err != nil {
			return total, errors.WithMessagef(err, "loading %q from %q", n.Name(), n.Spec.UpstreamTable)
		}
		total += count

		log.WithFields(log.Fields{
			"base":  n.Name(),
			"table": n.Spec.UpstreamTable,
			"rows":  count,
		}).Info("loaded base from upstream table")
	}
	return total, nil
}

func (l *Loader) loadTable(ctx context.Context, e *engine.Engine, n *graph.Node) (int, error) {
	var txn, err = e.Begin(n.Name())
	if err != nil {
		return 0, err
	}
	defer txn.Abort()

	var cols = make([]string, len(n.Schema))
	for i, c := range n.Schema {
		cols[i] = l.quote(c.Name)
	}
	var query = fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), l.quote(n.Spec.UpstreamTable))

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return 0, errors.WithMessage(err, "querying")
	}
	defer rows.Close()

	var count int
	var batch row.Records
	var dest = scanDest(n.Schema)

	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			return count, errors.WithMessage(err, "scanning")
		}
		var r, convErr = toRow(n.Schema, dest)
		if convErr != nil {
			return count, convErr
		}
		batch = append(batch, row.Positive(r))
		count++

		if len(batch) == l.batchSize {
			if err = txn.Write(batch); err != nil {
				return count, err
			}
			batch = nil
		}
	}
	if err = rows.Err(); err != nil {
		return count, errors.WithMessage(err, "reading rows")
	} else if len(batch) != 0 {
		if err = txn.Write(batch); err != nil {
			return count, err
		}
	}
	if _, err = txn.Commit(ctx); err != nil {
		return count, err
	}
	return count, nil
}

// quote an identifier of the upstream dialect.
func (l *Loader) quote(ident string) string {
	if l.driver == "mysql" {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// scanDest returns Scan destinations of columns of the Schema.
func scanDest(s row.Schema) []interface{} {
	var out = make([]interface{}, len(s))
	for i, c := range s {
		switch c.Kind {
		case row.KindBool:
			out[i] = new(sql.NullBool)
		case row.KindInt, row.KindUint:
			out[i] = new(sql.NullInt64)
		case row.KindFloat:
			out[i] = new(sql.NullFloat64)
		case row.KindDecimal, row.KindText:
			out[i] = new(sql.NullString)
		case row.KindBlob:
			out[i] = new([]byte)
		case row.KindTimestamp:
			out[i] = new(sql.NullTime)
		default:
			panic(fmt.Sprintf("unexpected column kind %v", c.Kind))
		}
	}
	return out
}

// toRow converts scanned |dest| into a Row of the Schema.
func toRow(s row.Schema, dest []interface{}) (row.Row, error) {
	var out = make(row.Row, len(s))

	for i, c := range s {
		switch d := dest[i].(type) {
		case *sql.NullBool:
			if d.Valid {
				out[i] = row.Bool(d.Bool)
			}
		case *sql.NullInt64:
			if !d.Valid {
				// NULL.
			} else if c.Kind == row.KindUint {
				if d.Int64 < 0 {
					return nil, errors.Wrapf(row.ErrSchemaMismatch, "column %q: negative value %d", c.Name, d.Int64)
				}
				out[i] = row.Uint(uint64(d.Int64))
			} else {
				out[i] = row.Int(d.Int64)
			}
		case *sql.NullFloat64:
			if d.Valid {
				out[i] = row.Float(d.Float64)
			}
		case *sql.NullString:
			if !d.Valid {
				// NULL.
			} else if c.Kind == row.KindDecimal {
				var dec, err = decimal.NewFromString(d.String)
				if err != nil {
					return nil, errors.Wrapf(row.ErrSchemaMismatch, "column %q: %s", c.Name, err)
				}
				out[i] = row.Decimal(dec)
			} else {
				out[i] = row.Text(d.String)
			}
		case *[]byte:
			if *d != nil {
				out[i] = row.Blob(append([]byte(nil), *d...))
			}
		case *sql.NullTime:
			if d.Valid {
				out[i] = row.Timestamp(d.Time)
			}
		}
	}
	return out, s.Check(out)
}
