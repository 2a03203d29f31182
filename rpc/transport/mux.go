package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/rpc/message"
	"benchproxy/rpc/protocol"
	"go.uber.org/zap"
)

// MuxConn multiplexes concurrent calls over one stream connection.
//
//	call-1 ──Send(id=1)──┐
//	call-2 ──Send(id=2)──┼──> conn ──> server
//	call-3 ──Send(id=3)──┘
//
//	recvLoop <── response(id=2) ──> pending[2] ──> call-2
//
// Writes are serialized by writeMu so frames never interleave. A single
// reader goroutine owns the read side.
type MuxConn struct {
	conn    net.Conn
	framer  protocol.Framer
	address string
	logger  *zap.Logger

	writeMu sync.Mutex
	// pending maps a message id to its chan Reply
	pending sync.Map

	broken    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ Connection = (*MuxConn)(nil)

// frameWriteTimeout bounds the tail of a frame left behind by a call that
// timed out mid write.
var frameWriteTimeout = 10 * time.Second

// NewMuxConn takes ownership of conn and starts its reader. A heartbeat of
// zero disables heartbeats.
func NewMuxConn(conn net.Conn, framer protocol.Framer, heartbeat time.Duration, logger *zap.Logger) *MuxConn {
	c := &MuxConn{
		conn:    conn,
		framer:  framer,
		address: conn.RemoteAddr().String(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	if heartbeat > 0 {
		go c.heartbeatLoop(heartbeat)
	}
	return c
}

func (c *MuxConn) Send(ctx context.Context, req *message.Request) (<-chan Reply, error) {
	if c.broken.Load() {
		return nil, fmt.Errorf("%w: %s", errs.ConnectionClosedErr, c.address)
	}
	ch := make(chan Reply, 1)
	if _, loaded := c.pending.LoadOrStore(req.MessageId, ch); loaded {
		return nil, fmt.Errorf("transport: message id %d already in flight on %s", req.MessageId, c.address)
	}
	// fail marks the connection broken before draining pending, so a store
	// racing with it is caught here.
	if c.broken.Load() {
		c.pending.Delete(req.MessageId)
		return nil, fmt.Errorf("%w: %s", errs.ConnectionClosedErr, c.address)
	}

	var buf bytes.Buffer
	if err := c.framer.WriteRequest(&buf, req); err != nil {
		// nothing reached the wire, e.g. the frame is too large
		c.pending.Delete(req.MessageId)
		return nil, err
	}
	frame := buf.Bytes()

	c.writeMu.Lock()
	if err := ctx.Err(); err != nil {
		c.writeMu.Unlock()
		c.pending.Delete(req.MessageId)
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	n, err := c.conn.Write(frame)
	if err == nil {
		c.writeMu.Unlock()
		return ch, nil
	}
	c.pending.Delete(req.MessageId)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		c.writeMu.Unlock()
		c.fail(fmt.Errorf("write to %s: %w", c.address, err))
		return nil, err
	}
	if n > 0 {
		// the peer holds part of the frame, the rest must follow before any
		// other frame or the stream is out of sync
		go c.finishFrame(frame[n:])
	} else {
		c.writeMu.Unlock()
	}
	return nil, fmt.Errorf("write to %s: %w", c.address, context.DeadlineExceeded)
}

// finishFrame writes the tail of a frame whose call gave up. It is called
// with writeMu held and releases it.
func (c *MuxConn) finishFrame(rest []byte) {
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	if _, err := c.conn.Write(rest); err != nil {
		c.fail(fmt.Errorf("write to %s: %w", c.address, err))
	}
}

func (c *MuxConn) Cancel(id uint32) {
	c.pending.Delete(id)
}

func (c *MuxConn) Healthy() bool {
	return !c.broken.Load()
}

func (c *MuxConn) Address() string {
	return c.address
}

func (c *MuxConn) Close() error {
	c.fail(errs.ConnectionClosedErr)
	return nil
}

func (c *MuxConn) recvLoop() {
	for {
		resp, err := c.framer.ReadResponse(c.conn)
		if err != nil {
			c.fail(fmt.Errorf("read from %s: %w", c.address, err))
			return
		}
		ch, ok := c.pending.LoadAndDelete(resp.MessageId)
		if !ok {
			c.logger.Debug("dropping response with no waiting call",
				zap.String("address", c.address), zap.Uint32("messageId", resp.MessageId))
			continue
		}
		ch.(chan Reply) <- Reply{Resp: resp}
	}
}

func (c *MuxConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(interval))
		err := c.framer.WriteHeartbeat(c.conn)
		c.writeMu.Unlock()
		if err != nil {
			c.fail(fmt.Errorf("heartbeat to %s: %w", c.address, err))
			return
		}
	}
}

// fail breaks the connection once and hands err to every pending call.
func (c *MuxConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.broken.Store(true)
		close(c.done)
		_ = c.conn.Close()
		if err != errs.ConnectionClosedErr {
			c.logger.Warn("connection broken", zap.String("address", c.address), zap.Error(err))
		}
		c.pending.Range(func(key, _ any) bool {
			if ch, ok := c.pending.LoadAndDelete(key); ok {
				ch.(chan Reply) <- Reply{Err: err}
			}
			return true
		})
	})
}
