/*
Package log provides structured logging for Meridian nodes using zerolog.

The packages that log (rpc, replication, table, schema, blockstore,
cluster) take or create a component logger via WithComponent rather than writing
to stdout directly, so a node's log stream can be filtered by
component, node_id, partition or table.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	tableLog := log.WithComponent("table").With().Str("table", "object").Logger()
	tableLog.Warn().Uint16("partition", p).Msg("quorum write failed, queued for anti-entropy")
*/
package log
