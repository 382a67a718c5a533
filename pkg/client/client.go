package client

import (
	"context"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/meridian/pkg/layout"
	"github.com/cuemby/meridian/pkg/rpc"
)

// Client is a thin wrapper over a single node's RPC connection, for
// admin tooling and debugging: pulling a peer's layout, pushing a block
// directly, or inspecting a table's raw rows without going through the
// gateway's S3 surface.
type Client struct {
	conn *rpc.Client
}

// Dial connects to a node's RPC listener at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := rpc.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("client: failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// PutBlock stores data on the peer and returns its content hash.
func (c *Client) PutBlock(ctx context.Context, data []byte) ([32]byte, error) {
	hash := blake2b.Sum256(data)
	req := rpc.PutBlockRequest{Hash: hash[:], Data: data}
	var resp rpc.PutBlockResponse
	if err := c.conn.Call(ctx, rpc.FamilyPutBlock, req, &resp); err != nil {
		return hash, fmt.Errorf("client: put block failed: %w", err)
	}
	return hash, nil
}

// GetBlock fetches a block by its content hash.
func (c *Client) GetBlock(ctx context.Context, hash [32]byte) ([]byte, error) {
	req := rpc.GetBlockRequest{Hash: hash[:]}
	var resp rpc.GetBlockResponse
	if err := c.conn.Call(ctx, rpc.FamilyGetBlock, req, &resp); err != nil {
		return nil, fmt.Errorf("client: get block failed: %w", err)
	}
	return resp.Data, nil
}

// ReadTableRow reads a single row's encoded bytes from a named table by
// partition and sort key. The returned slice holds zero or one entries.
func (c *Client) ReadTableRow(ctx context.Context, table string, partitionKey, sortKey []byte) ([][]byte, error) {
	req := rpc.TableReadRequest{Table: table, PartitionKey: partitionKey, SortKey: sortKey}
	var resp rpc.TableReadResponse
	if err := c.conn.Call(ctx, rpc.FamilyTableRead, req, &resp); err != nil {
		return nil, fmt.Errorf("client: table read failed: %w", err)
	}
	return resp.Rows, nil
}

// ReadTableRange reads every row in a partition whose sort key falls in
// [rangeBegin, rangeEnd), up to limit rows (0 means no limit).
func (c *Client) ReadTableRange(ctx context.Context, table string, partitionKey, rangeBegin, rangeEnd []byte, limit int) ([][]byte, error) {
	req := rpc.TableReadRequest{
		Table:        table,
		PartitionKey: partitionKey,
		RangeBegin:   rangeBegin,
		RangeEnd:     rangeEnd,
		Limit:        limit,
	}
	var resp rpc.TableReadResponse
	if err := c.conn.Call(ctx, rpc.FamilyTableRead, req, &resp); err != nil {
		return nil, fmt.Errorf("client: table range read failed: %w", err)
	}
	return resp.Rows, nil
}

// PullLayout asks the peer for its current committed layout version.
func (c *Client) PullLayout(ctx context.Context) (*layout.LayoutVersion, error) {
	var resp rpc.PullLayoutResponse
	if err := c.conn.Call(ctx, rpc.FamilyPullLayout, rpc.PullLayoutRequest{}, &resp); err != nil {
		return nil, fmt.Errorf("client: pull layout failed: %w", err)
	}
	v, err := layout.Decode(resp.Encoded)
	if err != nil {
		return nil, fmt.Errorf("client: failed to decode layout: %w", err)
	}
	return v, nil
}

// AdvertiseLayout pushes a layout version to the peer, e.g. to fan a
// freshly committed version out ahead of the regular gossip interval.
func (c *Client) AdvertiseLayout(ctx context.Context, v *layout.LayoutVersion, signature []byte) (accepted bool, err error) {
	encoded, err := layout.Encode(v)
	if err != nil {
		return false, fmt.Errorf("client: failed to encode layout: %w", err)
	}
	req := rpc.AdvertiseLayoutRequest{Version: v.Num, Encoded: encoded, Signature: signature}
	var resp rpc.AdvertiseLayoutResponse
	if err := c.conn.Call(ctx, rpc.FamilyAdvertiseLayout, req, &resp); err != nil {
		return false, fmt.Errorf("client: advertise layout failed: %w", err)
	}
	return resp.Accepted, nil
}
