package drowsynet

import (
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/armon/circbuf"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// connIDCounter issues connection identifiers. The first Conn gets 1.
var connIDCounter atomic.Uint64

// inboundTailSize is how many of the most recently received bytes a Conn
// keeps for diagnosing protocol violations.
const inboundTailSize = 64

// State represents the lifecycle state of a connection.
type State int32

const (
	// StateConstructed is the state between NewConn and Setup; no I/O is armed.
	StateConstructed State = iota
	// StateActive indicates reads are armed and sends are accepted.
	StateActive
	// StateDisconnecting indicates the orderly shutdown is in progress.
	StateDisconnecting
	// StateInactive is terminal: the transport is closed and the queue empty.
	StateInactive
)

// String returns a human-readable representation of the connection state.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "CONSTRUCTED"
	case StateActive:
		return "ACTIVE"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateInactive:
		return "INACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Handler receives a connection's inbound data and its disconnect
// notification. Both methods run inside the connection's strand, so they
// never run concurrently for the same connection.
type Handler interface {
	// OnRead is called once per received chunk (unframed) or message
	// (length-prefixed). data is only valid for the duration of the call.
	OnRead(c *Conn, data []byte)

	// OnDisconnect is called exactly once, after the connection is inactive.
	OnDisconnect(c *Conn)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Read       func(c *Conn, data []byte)
	Disconnect func(c *Conn)
}

var _ Handler = HandlerFuncs{}

// OnRead implements Handler.
func (h HandlerFuncs) OnRead(c *Conn, data []byte) {
	if h.Read != nil {
		h.Read(c, data)
	}
}

// OnDisconnect implements Handler.
func (h HandlerFuncs) OnDisconnect(c *Conn) {
	if h.Disconnect != nil {
		h.Disconnect(c)
	}
}

// queuedPacket is one outbound queue entry.
type queuedPacket struct {
	packet *Packet
	size   int64
}

// connLifetime is the part of a Conn its GC cleanup needs. It must never
// point back at the Conn.
type connLifetime struct {
	id        uint64
	transport net.Conn
	metrics   *Metrics
	up        atomic.Bool
}

// abandon runs when a Conn is collected without having been disconnected.
// Closing the transport makes any read or write still in flight fail; their
// completions then find the Conn gone and are dropped.
func (lt *connLifetime) abandon() {
	_ = lt.transport.Close()
	if lt.up.Swap(false) {
		lt.metrics.connectionDown("abandoned", time.Time{})
		if lt.metrics != nil {
			lt.metrics.ConnectionsActive.Dec()
		}
	}
	log.Debug().Uint64("conn", lt.id).Msg("connection collected, transport closed")
}

// Conn is the connection engine wrapping one accepted transport.
//
// Design rationale:
//   - All mutable state below the "strand-owned" marker is touched only by
//     tasks running on the Conn's strand, so it needs no lock
//   - One read and one write are in flight at most; each runs on its own
//     goroutine and posts its completion back into the strand
//   - In-flight operations reference the Conn through a weak pointer only;
//     if the application drops its last reference the Conn is collected,
//     its transport is closed and late completions are discarded
//
// A Conn is created inactive by NewConn and starts reading on Setup.
type Conn struct {
	id        uint64
	transport net.Conn
	handler   Handler
	cfg       Config
	metrics   *Metrics
	strand    *strand
	self      weak.Pointer[Conn]
	lifetime  *connLifetime
	remote    string
	local     string

	state  atomic.Int32
	active atomic.Bool

	errMu sync.Mutex
	err   error

	// strand-owned
	writeQueue  *queue.Queue // of queuedPacket
	writing     bool
	recentIn    *circbuf.Buffer // last inboundTailSize bytes received
	scratch     []byte
	header      []byte
	body        []byte
	activeSince time.Time
}

// NewConn wraps transport in an inactive connection. Call Setup once the
// surrounding application state is ready to receive callbacks.
//
// The Conn stays alive only while the application references it (typically
// from its connection registry); outstanding I/O does not keep it alive.
func NewConn(transport net.Conn, handler Handler, cfg Config) *Conn {
	runtimex.Assert(transport != nil)
	if handler == nil {
		handler = HandlerFuncs{}
	}
	cfg = cfg.normalize()

	id := connIDCounter.Add(1)
	c := &Conn{
		id:         id,
		transport:  transport,
		handler:    handler,
		cfg:        cfg,
		metrics:    cfg.Metrics,
		strand:     newStrand(cfg.Executor),
		remote:     safeconn.RemoteAddr(transport),
		local:      safeconn.LocalAddr(transport),
		writeQueue: queue.New(),
		recentIn:   runtimex.PanicOnError1(circbuf.NewBuffer(inboundTailSize)),
		scratch:    make([]byte, cfg.ReadBufferSize),
		header:     make([]byte, FrameHeaderSize),
	}
	c.self = weak.Make(c)
	c.lifetime = &connLifetime{
		id:        id,
		transport: transport,
		metrics:   cfg.Metrics,
	}
	runtime.AddCleanup(c, (*connLifetime).abandon, c.lifetime)

	log.Debug().
		Uint64("conn", id).
		Str("remote", c.remote).
		Str("framing", cfg.Framing.String()).
		Msg("connection created")

	return c
}

// ID returns the process-unique connection identifier.
func (c *Conn) ID() uint64 {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsActive reports whether the connection accepts sends.
func (c *Conn) IsActive() bool {
	return c.active.Load()
}

// Err returns what caused the disconnect: nil while active or after an
// explicit Disconnect, otherwise the fatal error.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// RemoteAddr returns the peer address captured at construction.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// LocalAddr returns the local address captured at construction.
func (c *Conn) LocalAddr() string {
	return c.local
}

// Transport returns the underlying transport, e.g. to tune socket options.
// Reading from or writing to it directly corrupts the connection's stream.
func (c *Conn) Transport() net.Conn {
	return c.transport
}

// Setup activates the connection and arms the first read. Calling it again,
// or after the connection became inactive, does nothing. The transition
// runs in the strand, so packets sent right after Setup returns are queued
// behind it and go out once the connection is active.
func (c *Conn) Setup() {
	c.post(func(c *Conn) {
		if c.State() != StateConstructed {
			return
		}
		c.setState(StateActive)
		c.active.Store(true)
		c.activeSince = time.Now()
		c.lifetime.up.Store(true)
		c.metrics.connectionUp()

		log.Debug().
			Uint64("conn", c.id).
			Str("remote", c.remote).
			Msg("connection active")

		c.armRead()
	})
}

// Send queues p for transmission after every packet sent before it.
// It is safe to call from any goroutine, including from inside OnRead.
//
// Whether the connection is active is decided in the strand, in call
// order: a Send issued after Setup returns is transmitted even though
// IsActive may still report false, while a Send issued before Setup, or
// once the connection is disconnecting, is dropped silently.
func (c *Conn) Send(p *Packet) {
	if p == nil || c.State() >= StateDisconnecting {
		return
	}
	p.Retain()
	self := c.self
	c.strand.post(func() {
		conn := self.Value()
		if conn == nil {
			p.Release()
			return
		}
		conn.enqueue(p)
	})
}

// SendBytes copies b into a new packet and sends it.
func (c *Conn) SendBytes(b []byte) {
	if c.State() >= StateDisconnecting {
		return
	}
	p := CopyBytesPacket(b)
	c.Send(p)
	p.Release()
}

// Disconnect shuts the connection down. It may be called any number of
// times from any goroutine; only the first call has an effect and
// OnDisconnect fires once.
func (c *Conn) Disconnect() {
	c.post(func(c *Conn) {
		c.disconnect(nil)
	})
}

// post runs fn on the strand if the Conn is still alive by then.
func (c *Conn) post(fn func(*Conn)) {
	postTo(c.strand, c.self, fn)
}

func postTo(s *strand, self weak.Pointer[Conn], fn func(*Conn)) {
	s.post(func() {
		if c := self.Value(); c != nil {
			fn(c)
		}
	})
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// enqueue appends p to the outbound queue and starts the writer if idle.
// Runs in the strand.
func (c *Conn) enqueue(p *Packet) {
	if !c.IsActive() {
		p.Release()
		return
	}
	if c.cfg.Framing == FramingLengthPrefixed && p.Len() == 0 {
		// A zero-length frame is a protocol violation for the peer.
		log.Debug().Uint64("conn", c.id).Msg("dropping empty framed packet")
		p.Release()
		return
	}

	c.writeQueue.Add(queuedPacket{packet: p, size: int64(p.Len())})
	if !c.writing {
		c.writing = true
		c.armWrite()
	}
}

// armWrite transmits the head of the queue. Runs in the strand.
func (c *Conn) armWrite() {
	if !c.IsActive() || c.writeQueue.Length() == 0 {
		c.writing = false
		return
	}
	head := c.writeQueue.Peek().(queuedPacket)
	// The writer goroutine holds its own reference so a disconnect that
	// clears the queue cannot recycle bytes still being written.
	head.packet.Retain()
	go writeOp(c.transport, head, c.cfg.Framing, c.cfg.WriteTimeout, c.strand, c.self)
}

// writeOp performs one complete transmission. Header and payload go out as
// a single vectored write so frame boundaries survive partial writes.
func writeOp(t net.Conn, head queuedPacket, framing Framing, timeout time.Duration, s *strand, self weak.Pointer[Conn]) {
	if timeout > 0 {
		_ = t.SetWriteDeadline(time.Now().Add(timeout))
	}

	var (
		n   int64
		err error
	)
	if framing == FramingLengthPrefixed {
		hdr := make([]byte, FrameHeaderSize)
		EncodeFrameHeader(hdr, head.size)
		bufs := net.Buffers{hdr, head.packet.Bytes()}
		n, err = bufs.WriteTo(t)
	} else {
		var w int
		w, err = t.Write(head.packet.Bytes())
		n = int64(w)
	}
	head.packet.Release()

	postTo(s, self, func(c *Conn) {
		c.finishWrite(n, err)
	})
}

// finishWrite retires the written packet and starts the next one.
// Runs in the strand.
func (c *Conn) finishWrite(n int64, err error) {
	if !c.IsActive() {
		return
	}
	if err != nil {
		// Header and payload form one unit; after a failed write the
		// peer's view of frame boundaries is unknown, so never retry.
		log.Debug().
			Err(err).
			Uint64("conn", c.id).
			Int64("written", n).
			Msg("write failed")
		c.disconnect(&OpError{Op: "write", ConnID: c.id, Remote: c.remote, Err: err})
		return
	}

	qp := c.writeQueue.Remove().(queuedPacket)
	qp.packet.Release()
	c.metrics.wrote(n)

	log.Trace().
		Uint64("conn", c.id).
		Int64("bytes", n).
		Int("queued", c.writeQueue.Length()).
		Msg("packet sent")

	if c.writeQueue.Length() > 0 {
		c.armWrite()
		return
	}
	c.writing = false
}

// armRead starts the next read for the configured framing. Runs in the strand.
func (c *Conn) armRead() {
	if !c.IsActive() {
		return
	}
	if c.cfg.Framing == FramingLengthPrefixed {
		c.readHeader(0)
		return
	}
	go readOp(c.transport, c.scratch, 0, false, c.cfg.ReadTimeout, c.strand, c.self, (*Conn).finishChunkRead)
}

func (c *Conn) readHeader(off int) {
	go readOp(c.transport, c.header, off, true, c.cfg.ReadTimeout, c.strand, c.self, (*Conn).finishHeaderRead)
}

func (c *Conn) readBody(off int) {
	go readOp(c.transport, c.body, off, true, c.cfg.ReadTimeout, c.strand, c.self, (*Conn).finishBodyRead)
}

// readOp performs one read. With full set it fills buf[off:] completely and
// reports the total filled so far; otherwise it reads at least one byte into buf.
func readOp(t net.Conn, buf []byte, off int, full bool, timeout time.Duration, s *strand, self weak.Pointer[Conn], done func(*Conn, int, error)) {
	if timeout > 0 {
		_ = t.SetReadDeadline(time.Now().Add(timeout))
	}

	var (
		n   int
		err error
	)
	if full {
		n, err = io.ReadFull(t, buf[off:])
		n += off
	} else {
		n, err = io.ReadAtLeast(t, buf, 1)
	}

	postTo(s, self, func(c *Conn) {
		done(c, n, err)
	})
}

// finishChunkRead handles an unframed read. Runs in the strand.
func (c *Conn) finishChunkRead(n int, err error) {
	if !c.IsActive() {
		return
	}
	if err != nil {
		c.handleReadError("read", err, c.armRead)
		return
	}

	c.metrics.read(n)
	data := c.scratch[:n]
	_, _ = c.recentIn.Write(data)
	c.deliver(data)
	c.armRead()
}

// finishHeaderRead validates a length header and arms the body read.
// Runs in the strand.
func (c *Conn) finishHeaderRead(n int, err error) {
	if !c.IsActive() {
		return
	}
	if err != nil {
		c.handleReadError("read header", err, func() { c.readHeader(n) })
		return
	}

	_, _ = c.recentIn.Write(c.header)
	size, err := DecodeFrameHeader(c.header, c.cfg.MaxFrameSize)
	if err != nil {
		c.metrics.frameViolation()
		log.Warn().
			Err(err).
			Uint64("conn", c.id).
			Str("remote", c.remote).
			Hex("recent", c.recentIn.Bytes()).
			Msg("invalid frame header")
		c.disconnect(&OpError{Op: "read header", ConnID: c.id, Remote: c.remote, Err: err})
		return
	}

	c.body = make([]byte, size)
	c.readBody(0)
}

// finishBodyRead delivers a complete frame and arms the next header read.
// Runs in the strand.
func (c *Conn) finishBodyRead(n int, err error) {
	if !c.IsActive() {
		return
	}
	if err != nil {
		c.handleReadError("read body", err, func() { c.readBody(n) })
		return
	}

	body := c.body
	c.body = nil
	_, _ = c.recentIn.Write(body)
	c.metrics.read(FrameHeaderSize + len(body))
	c.metrics.frameReceived()
	c.deliver(body)
	c.armRead()
}

// handleReadError disconnects on fatal errors and re-arms the same read
// otherwise. Runs in the strand.
func (c *Conn) handleReadError(op string, err error, retry func()) {
	if IsFatalError(err) {
		log.Debug().
			Err(err).
			Uint64("conn", c.id).
			Str("op", op).
			Msg("read failed")
		c.disconnect(&OpError{Op: op, ConnID: c.id, Remote: c.remote, Err: err})
		return
	}

	log.Warn().
		Err(err).
		Uint64("conn", c.id).
		Str("op", op).
		Msg("transient read error, retrying")
	retry()
}

// deliver hands data to the handler. A panicking handler disconnects the
// connection. Runs in the strand.
func (c *Conn) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("conn", c.id).
				Hex("recent", c.recentIn.Bytes()).
				Msg("read handler panicked")
			c.disconnect(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	c.handler.OnRead(c, data)
}

// disconnect performs the one-time transition to StateInactive.
// Runs in the strand.
func (c *Conn) disconnect(cause error) {
	switch c.State() {
	case StateDisconnecting, StateInactive:
		return
	}
	c.setState(StateDisconnecting)
	c.active.Store(false)
	c.setErr(cause)

	c.shutdownTransport()
	c.clearQueue()
	c.writing = false
	c.body = nil
	c.setState(StateInactive)

	reason := disconnectReason(cause)
	if c.lifetime.up.Swap(false) {
		c.metrics.connectionDown(reason, c.activeSince)
	} else {
		c.metrics.connectionDown(reason, time.Time{})
	}

	ev := log.Info()
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Uint64("conn", c.id).
		Str("remote", c.remote).
		Str("reason", reason).
		Msg("connection disconnected")

	c.notifyDisconnect()
}

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// shutdownTransport closes both directions and then the transport.
// "Not connected" and "already closed" are expected here and not reported.
func (c *Conn) shutdownTransport() {
	if cw, ok := c.transport.(closeWriter); ok {
		if err := cw.CloseWrite(); !isBenignShutdownError(err) {
			log.Debug().Err(err).Uint64("conn", c.id).Msg("shutdown write side")
		}
	}
	if cr, ok := c.transport.(closeReader); ok {
		if err := cr.CloseRead(); !isBenignShutdownError(err) {
			log.Debug().Err(err).Uint64("conn", c.id).Msg("shutdown read side")
		}
	}
	if err := c.transport.Close(); !isBenignShutdownError(err) {
		log.Error().Err(err).Uint64("conn", c.id).Msg("close transport")
	}
}

// clearQueue releases every queued packet. Runs in the strand.
func (c *Conn) clearQueue() {
	for c.writeQueue.Length() > 0 {
		qp := c.writeQueue.Remove().(queuedPacket)
		qp.packet.Release()
	}
}

func (c *Conn) notifyDisconnect() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("conn", c.id).
				Msg("disconnect handler panicked")
		}
	}()
	c.handler.OnDisconnect(c)
}
