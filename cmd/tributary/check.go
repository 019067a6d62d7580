package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/graph"
	mbp "go.tributary.dev/core/mainboilerplate"
)

type checkConfig struct {
	Topology string        `long:"topology" env:"TOPOLOGY" required:"true" description:"Path to the YAML topology of the graph"`
	Log      mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

var checkCfg = new(checkConfig)

func (cfg *checkConfig) Execute([]string) error {
	mbp.InitLog(cfg.Log)

	var topo, err = graph.LoadTopology(cfg.Topology)
	mbp.Must(err, "loading topology", "path", cfg.Topology)

	g, err := graph.Install(topo)
	mbp.Must(err, "installing topology")

	log.WithFields(log.Fields{
		"nodes":   len(g.Nodes()),
		"domains": len(g.Domains()),
	}).Debug("topology is valid")

	mbp.Must(writeNodesTable(os.Stdout, g), "failed to write nodes")
	fmt.Println()
	mbp.Must(writeReplayPathsTable(os.Stdout, g), "failed to write replay paths")
	return nil
}

func writeNodesTable(w io.Writer, g *graph.Graph) error {
	var table = tablewriter.NewWriter(w)
	table.Header("Node", "Kind", "Domain", "Materialized", "Key", "Columns")

	for _, ind := range g.Topo() {
		var n = g.Node(ind)
		if err := table.Append([]string{
			n.Name(),
			string(n.Kind()),
			g.Domain(n.Domain).Name,
			string(n.Materialized),
			formatCols(n, n.Key),
			strings.Join(n.Schema.Names(), ", "),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func writeReplayPathsTable(w io.Writer, g *graph.Graph) error {
	var table = tablewriter.NewWriter(w)
	table.Header("Target", "Key", "Source Domain", "Sources", "Path")

	for _, ind := range g.Topo() {
		var path = g.ReplayPath(ind)
		if path == nil {
			continue
		}
		var target = g.Node(path.Target)

		var sources []string
		for _, src := range path.Sources {
			var n = g.Node(src.Node)
			sources = append(sources, fmt.Sprintf("%s%s", n.Name(), formatCols(n, src.Cols)))
		}
		var nodes []string
		for _, n := range path.Nodes {
			nodes = append(nodes, g.Node(n).Name())
		}
		if err := table.Append([]string{
			target.Name(),
			formatCols(target, path.Key),
			g.Domain(path.SourceDomain).Name,
			strings.Join(sources, ", "),
			strings.Join(nodes, " -> "),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// formatCols formats |cols| of Node |n| by name.
func formatCols(n *graph.Node, cols []int) string {
	if cols == nil {
		return ""
	}
	var names = make([]string, len(cols))
	for i, c := range cols {
		names[i] = n.Schema[c].Name
	}
	return "[" + strings.Join(names, ", ") + "]"
}
