/*
Package log provides structured logging for mailcored using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, a configurable level/format, and a
single global Logger any package can reach for without having one
threaded through its constructor.

# Usage

Initializing the logger once at startup:

	import "github.com/shardpost/mailcore/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers carry a fixed field through every entry they emit,
avoiding repetitive Str calls at every call site:

	raftLog := log.WithComponent("raft")
	raftLog.Info().Str("node_id", nodeID).Msg("node started")

	nodeLog := log.WithNodeID("node-1")
	nodeLog.Warn().Msg("heartbeat missed")

# Log levels

Debug is for development/troubleshooting detail; Info is the default
production level; Warn flags conditions worth attention that aren't
failures; Error marks a failed operation that needs investigation;
Fatal logs and then calls os.Exit(1), reserved for startup failures
this process cannot recover from (a corrupt data directory, a config
manifest that fails validation).

# Design

A single package-level zerolog.Logger, initialized once via Init and
read from everywhere else, is zerolog's own recommended shape: cheap to
pass around because there's nothing to pass, and safe for concurrent
use since zerolog.Logger is an immutable value — WithComponent/
WithNodeID/WithServiceID each return a derived copy rather than
mutating the global.

Always use structured fields (.Str, .Int, .Err) rather than string
interpolation: it keeps log lines parseable by whatever aggregation
tool reads mailcored's stdout, and never log credential material —
pkg/session hashes passwords before they ever reach storage, and the
same rule applies to logging them.
*/
package log
