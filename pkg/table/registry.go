package table

import (
	"context"
	"sync"

	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/rpcerr"
)

// rawHandler is the non-generic face every Table[PK, SK, V] presents to
// the RPC layer, so one process can host many differently-typed tables
// (bucket, key, object, version, block ref) behind a single set of
// TableWrite/TableRead/SyncRpc family handlers dispatching by name.
type rawHandler interface {
	handleWrite(rows [][]byte) error
	handleRead(req *rpc.TableReadRequest) ([][]byte, error)
	handleSync(req *rpc.SyncRequest) (*rpc.SyncResponse, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]rawHandler{}
)

func registerTable(name string, t rawHandler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = t
}

func lookupTable(name string) (rawHandler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	return t, ok
}

// registerRouter wires the three table RPC families onto server. It is
// safe to call once per table construction: re-registering the same
// dispatching function is a no-op in effect, since every call resolves
// the target table from the request's Table field at dispatch time.
func registerRouter(server *rpc.Server) {
	server.Register(rpc.FamilyTableWrite, dispatchTableWrite)
	server.Register(rpc.FamilyTableRead, dispatchTableRead)
	server.Register(rpc.FamilySyncRpc, dispatchSyncRpc)
}

func dispatchTableWrite(ctx context.Context, payload []byte) (interface{}, error) {
	var req rpc.TableWriteRequest
	if err := rpc.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	t, ok := lookupTable(req.Table)
	if !ok {
		return nil, rpcerr.New(rpcerr.BadRequest, "unknown table: "+req.Table)
	}
	if err := t.handleWrite(req.Rows); err != nil {
		return nil, err
	}
	return &rpc.TableWriteResponse{}, nil
}

func dispatchTableRead(ctx context.Context, payload []byte) (interface{}, error) {
	var req rpc.TableReadRequest
	if err := rpc.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	t, ok := lookupTable(req.Table)
	if !ok {
		return nil, rpcerr.New(rpcerr.BadRequest, "unknown table: "+req.Table)
	}
	rows, err := t.handleRead(&req)
	if err != nil {
		return nil, err
	}
	return &rpc.TableReadResponse{Rows: rows}, nil
}

func dispatchSyncRpc(ctx context.Context, payload []byte) (interface{}, error) {
	var req rpc.SyncRequest
	if err := rpc.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	t, ok := lookupTable(req.Table)
	if !ok {
		return nil, rpcerr.New(rpcerr.BadRequest, "unknown table: "+req.Table)
	}
	return t.handleSync(&req)
}
