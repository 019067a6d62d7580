package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.tributary.dev/core/engine"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/http_gateway"
	mbp "go.tributary.dev/core/mainboilerplate"
	"go.tributary.dev/core/store"
	"go.tributary.dev/core/task"
	"go.tributary.dev/core/upstream"
)

// serveConfig is the configuration of the "serve" command.
type serveConfig struct {
	Topology string `long:"topology" env:"TOPOLOGY" required:"true" description:"Path to the YAML topology of the graph"`

	Service     mbp.ServiceConfig     `group:"Service" namespace:"service" env-namespace:"SERVICE"`
	Engine      engine.Config         `group:"Engine" namespace:"engine" env-namespace:"ENGINE"`
	Snapshots   store.Config          `group:"Snapshots" namespace:"snapshots" env-namespace:"SNAPSHOTS"`
	Upstream    upstream.Config       `group:"Upstream" namespace:"upstream" env-namespace:"UPSTREAM"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

var serveCfg = new(serveConfig)

func (cfg *serveConfig) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(cfg.Diagnostics)()
	mbp.InitLog(cfg.Log)

	var topo, err = graph.LoadTopology(cfg.Topology)
	mbp.Must(err, "loading topology", "path", cfg.Topology)

	var eng = engine.New(cfg.Engine)
	g, err := eng.Install(topo)
	mbp.Must(err, "installing topology")

	ln, endpoint, err := cfg.Service.Listen()
	mbp.Must(err, "starting service listener")

	log.WithFields(log.Fields{
		"id":       cfg.Service.ID,
		"endpoint": endpoint,
		"nodes":    len(g.Nodes()),
		"domains":  len(g.Domains()),
	}).Info("starting tributary")

	var snapshots *store.SnapshotStore
	if cfg.Snapshots.Dir != "" {
		snapshots, err = store.NewSnapshotStore(afero.NewOsFs(), cfg.Snapshots.Dir, cfg.Snapshots.Codec)
		mbp.Must(err, "opening snapshot store")
	}

	var mux = http.NewServeMux()
	mux.Handle("/", http_gateway.NewGateway(eng))
	if cfg.Diagnostics.Port == "" {
		mux.Handle("/debug/", http.DefaultServeMux)
	}
	var srv = &http.Server{Handler: mux}

	var tasks = task.NewGroup(context.Background())
	eng.OnFatal(func(domain string, err error) {
		log.WithFields(log.Fields{"domain": domain, "err": err}).Error("domain failed")
		tasks.Cancel()
	})

	tasks.Queue("engine.Serve", func() error {
		return eng.Serve(tasks.Context())
	})
	tasks.Queue("seed bases", func() error {
		return seed(tasks.Context(), eng, g, snapshots, cfg.Upstream)
	})
	if snapshots != nil && cfg.Snapshots.Interval != 0 {
		tasks.Queue("snapshots.Periodic", func() error {
			return snapshots.Periodic(tasks.Context(), eng, cfg.Snapshots.Interval)
		})
	}
	tasks.Queue("http.Serve", func() error {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("await signal", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-tasks.Context().Done():
			return nil
		}
		_ = srv.Shutdown(context.Background())

		// Take a final snapshot while the engine is still serving.
		if snapshots != nil {
			if snap, err := eng.Snapshot(tasks.Context()); err != nil {
				log.WithField("err", err).Warn("failed to take final snapshot")
			} else if err = snapshots.Save(snap); err != nil {
				log.WithField("err", err).Warn("failed to save final snapshot")
			}
		}
		tasks.Cancel()
		return nil
	})

	prometheus.MustRegister(collectors.NewBuildInfoCollector())
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "tributary task failed")
	log.Info("goodbye")

	return nil
}

// seed bases from the latest snapshot if there is one, and otherwise from
// the upstream database if one is configured.
func seed(ctx context.Context, eng *engine.Engine, g *graph.Graph, snapshots *store.SnapshotStore, cfg upstream.Config) error {
	if snapshots != nil {
		var snap, err = snapshots.Load(g)
		if err != nil {
			return errors.WithMessage(err, "loading snapshot")
		} else if snap != nil {
			if err = eng.Restore(ctx, snap); err != nil {
				return errors.WithMessage(err, "restoring snapshot")
			}
			log.WithField("tables", len(snap.Tables)).Info("restored bases from snapshot")
			return nil
		}
	}
	if cfg.DSN == "" {
		return nil
	}

	var loader, err = upstream.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer loader.Close()

	rows, err := loader.Load(ctx, eng)
	if err != nil {
		return errors.WithMessage(err, "seeding from upstream")
	}
	log.WithFields(log.Fields{"driver": cfg.Driver, "rows": rows}).Info("seeded bases from upstream")
	return nil
}
