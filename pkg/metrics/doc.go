/*
Package metrics exposes Prometheus metrics and health/readiness endpoints
for a Meridian node.

Metrics are grouped by subsystem: layout (meridian_layout_*), table engine
(meridian_table_*, meridian_anti_entropy_*, meridian_quorum_*), block
manager (meridian_block_*) and RPC (meridian_rpc_*). All are registered at
package init and collected by the default Prometheus registry; Handler
returns the http.Handler to mount at /metrics.

HealthChecker tracks readiness of the kv, layout and rpc components; a
node is only "ready" once all three have reported healthy.
*/
package metrics
