package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.tributary.dev/core/mainboilerplate"
)

const iniFilename = "tributary.ini"

func main() {
	var parser = flags.NewParser(nil, flags.Default)

	parser.LongDescription = `tributary serves incrementally maintained views of base tables,
and is a tool for inspecting topologies and interacting with a running service.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure tributary with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/tributary/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the tool's current configuration.
`

	_, _ = parser.AddCommand("serve", "Serve the views of a topology", `
Serve the views of a topology with the provided configuration, until signaled
to exit (via SIGTERM or SIGINT). Base tables are restored from the latest
snapshot (if configured) and are otherwise seeded from the upstream database
(if configured). Views are looked up and bases written over HTTP.
`, serveCfg)

	_, _ = parser.AddCommand("check", "Check a topology and print its plan", `
Check installs a topology without serving it, and prints its nodes, their
domain assignments and materializations, and the replay paths by which
partial state is filled.
`, checkCfg)

	_, _ = parser.AddCommand("lookup", "Look up a key of a view", `
Look up the rows of a view having a key, from a running tributary service.
The key is a JSON array of the view's key columns.

	tributary lookup --view by_user --key '[7]'
`, lookupCfg)

	_, _ = parser.AddCommand("write", "Write records to a base", `
Write records to a base of a running tributary service. Records are read from
stdin (or --file) as newline-delimited JSON objects. The "op" of a record is
"+" (the default) to insert its row, or "-" to delete it.

	echo '{"op": "+", "row": [1, 7, 100]}' | tributary write --base orders
`, writeCfg)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
