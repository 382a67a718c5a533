// Package rpc implements Meridian's node-to-node wire protocol: a
// length-prefixed, MessagePack-encoded request/response transport over a
// plain net.Conn. Every frame carries a request id and a message-family
// tag; handlers are registered by family on a Server and dispatched
// concurrently per connection.
package rpc

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/rpcerr"
)

var rpcLog = log.WithComponent("rpc")

var mh codec.MsgpackHandle

// Message family tags, matching spec.md §6's wire protocol exactly.
const (
	FamilyPutBlock        = "PutBlock"
	FamilyGetBlock        = "GetBlock"
	FamilyTableWrite      = "TableWrite"
	FamilyTableRead       = "TableRead"
	FamilySyncRpc         = "SyncRpc"
	FamilyPullLayout      = "PullLayout"
	FamilyAdvertiseLayout = "AdvertiseLayout"
)

// DefaultMetadataDeadline is the default deadline for metadata RPCs
// (table writes/reads, layout gossip, sync); block RPCs set their own
// deadline proportional to payload size.
const DefaultMetadataDeadline = 30 * time.Second

// maxFrameSize bounds a single frame so a corrupt or hostile peer cannot
// force an unbounded allocation.
const maxFrameSize = 256 << 20

type frame struct {
	ID      uint64        `codec:"id"`
	Family  string        `codec:"family"`
	Reply   bool          `codec:"reply,omitempty"`
	Payload []byte        `codec:"payload"`
	Err     *rpcerr.Error `codec:"err,omitempty"`
}

func encodeFrame(f *frame) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("rpc: failed to encode frame: %w", err)
	}
	return buf, nil
}

func decodeFrame(b []byte) (*frame, error) {
	var f frame
	dec := codec.NewDecoderBytes(b, &mh)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("rpc: failed to decode frame: %w", err)
	}
	return &f, nil
}

func encodePayload(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("rpc: failed to encode payload: %w", err)
	}
	return buf, nil
}

// DecodePayload decodes a handler's raw payload bytes into v. Handlers
// registered from other packages (see pkg/table's per-family router) use
// this instead of reimplementing the wire codec.
func DecodePayload(b []byte, v interface{}) error {
	return decodePayload(b, v)
}

func decodePayload(b []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(b, &mh)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("rpc: failed to decode payload: %w", err)
	}
	return nil
}

func writeFrame(w *bufio.Writer, f *frame) error {
	body, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("rpc: frame of %d bytes exceeds max %d", len(body), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (*frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("rpc: incoming frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeFrame(body)
}

// Client issues requests to a single peer over one persistent connection.
type Client struct {
	conn    net.Conn
	w       *bufio.Writer
	writeMu sync.Mutex

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan *frame
	closed  bool
}

// Dial opens a connection to addr and starts its read loop.
func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s failed: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		pending: make(map[uint64]chan *frame),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		f, err := readFrame(r)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if cause != nil && cause != io.EOF {
		rpcLog.Debug().Err(cause).Msg("connection read loop ended")
	}
}

// Call sends a request of the given family and decodes the response
// payload into resp (nil if the caller doesn't need it). It honors ctx's
// deadline/cancellation as a client-side timeout.
func (c *Client) Call(ctx context.Context, family string, req interface{}, resp interface{}) error {
	timer := metrics.NewTimer()
	payload, err := encodePayload(req)
	if err != nil {
		return err
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan *frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpcerr.New(rpcerr.Timeout, "connection already closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = writeFrame(c.w, &frame{ID: id, Family: family, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		metrics.RPCRequestsTotal.WithLabelValues(family, "error").Inc()
		return fmt.Errorf("rpc: failed to send %s request: %w", family, err)
	}

	select {
	case f, ok := <-ch:
		timer.ObserveDurationVec(metrics.RPCRequestDuration, family)
		if !ok {
			metrics.RPCRequestsTotal.WithLabelValues(family, "error").Inc()
			return rpcerr.New(rpcerr.Timeout, "connection closed before response arrived")
		}
		if f.Err != nil {
			metrics.RPCRequestsTotal.WithLabelValues(family, "error").Inc()
			return f.Err
		}
		metrics.RPCRequestsTotal.WithLabelValues(family, "ok").Inc()
		if resp != nil {
			return decodePayload(f.Payload, resp)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		metrics.RPCRequestsTotal.WithLabelValues(family, "timeout").Inc()
		return rpcerr.New(rpcerr.Timeout, ctx.Err().Error())
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.shutdown(nil)
	return c.conn.Close()
}

// Handler processes one request's decoded payload and returns a response
// value to encode, or an error to surface as the frame's Err field.
type Handler func(ctx context.Context, payload []byte) (interface{}, error)

// Server dispatches incoming frames to registered family handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	listenerMu sync.Mutex
	listener   net.Listener
}

// NewServer creates a Server with no handlers registered.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Register installs the handler for a message family, replacing any prior one.
func (s *Server) Register(family string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[family] = h
}

// Serve accepts connections on l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	var writeMu sync.Mutex
	var wg sync.WaitGroup

	for {
		f, err := readFrame(r)
		if err != nil {
			break
		}
		wg.Add(1)
		go func(f *frame) {
			defer wg.Done()
			s.dispatch(f, w, &writeMu)
		}(f)
	}
	wg.Wait()
}

func (s *Server) dispatch(f *frame, w *bufio.Writer, writeMu *sync.Mutex) {
	s.mu.RLock()
	h, ok := s.handlers[f.Family]
	s.mu.RUnlock()

	resp := &frame{ID: f.ID, Family: f.Family, Reply: true}
	if !ok {
		resp.Err = rpcerr.New(rpcerr.BadRequest, fmt.Sprintf("no handler registered for family %q", f.Family))
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultMetadataDeadline)
		defer cancel()
		result, err := h(ctx, f.Payload)
		if err != nil {
			if rerr, ok := err.(*rpcerr.Error); ok {
				resp.Err = rerr
			} else {
				resp.Err = rpcerr.New(rpcerr.InternalError, err.Error())
			}
		} else {
			payload, err := encodePayload(result)
			if err != nil {
				resp.Err = rpcerr.New(rpcerr.InternalError, err.Error())
			} else {
				resp.Payload = payload
			}
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := writeFrame(w, resp); err != nil {
		rpcLog.Debug().Err(err).Str("family", f.Family).Msg("failed to write response frame")
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
