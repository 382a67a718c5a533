/*
Package client provides a small Go client for talking directly to a
Meridian node's RPC listener (pkg/rpc), bypassing the S3 gateway.

It exists for admin and debug tooling: checking what layout version a
peer has committed, pushing a block straight onto a node, or reading a
table's raw encoded rows to diagnose a convergence problem. Application
code serving object-store traffic talks S3 over HTTP, not this package.

# Usage

	c, err := client.Dial(ctx, "10.0.0.2:7420")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	v, err := c.PullLayout(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("peer is on layout version %d\n", v.Num)

# Design

Client wraps a single pkg/rpc.Client connection and exposes one method
per RPC family (PutBlock, GetBlock, TableRead, PullLayout,
AdvertiseLayout) rather than a resource-oriented CRUD surface: there is
no service/task/node/secret/volume hierarchy here, just the handful of
message families a node's RPC server actually registers.

Table rows are returned as opaque encoded bytes, the same representation
the wire protocol carries internally — this package has no dependency on
pkg/schema and doesn't decode row contents for its caller. Callers that
need typed rows belong closer to pkg/table and pkg/schema.
*/
package client
