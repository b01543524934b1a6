package drowsynet

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// maxAcceptBackoff caps the pause after resource exhaustion errors.
	maxAcceptBackoff = time.Second

	// minAcceptBackoff is the first pause after resource exhaustion errors.
	minAcceptBackoff = 5 * time.Millisecond

	// historyCleanupInterval is how often the accept limiter drops stale peers.
	historyCleanupInterval = time.Minute
)

// Acceptor receives every accepted transport. OnAccept runs on an Executor
// worker and takes ownership of the transport, typically wrapping it with
// NewConn and calling Setup.
type Acceptor interface {
	OnAccept(transport net.Conn)
}

// AcceptFunc adapts a function to Acceptor.
type AcceptFunc func(transport net.Conn)

// OnAccept implements Acceptor.
func (f AcceptFunc) OnAccept(transport net.Conn) {
	f(transport)
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithResolver sets the resolver Bind uses. The default is net.DefaultResolver.
func WithResolver(r *net.Resolver) ListenerOption {
	return func(l *Listener) {
		if r != nil {
			l.resolver = r
		}
	}
}

// WithExecutor sets the executor accepted transports are handed to.
func WithExecutor(e *Executor) ListenerOption {
	return func(l *Listener) {
		if e != nil {
			l.exec = e
		}
	}
}

// WithMetrics enables accept instrumentation.
func WithMetrics(m *Metrics) ListenerOption {
	return func(l *Listener) {
		l.metrics = m
	}
}

// WithAccessList filters peers by address before OnAccept.
func WithAccessList(config *AccessListConfig) ListenerOption {
	return func(l *Listener) {
		if config != nil && config.Mode != AccessListModeDisabled {
			l.access = NewAccessFilter(config)
		}
	}
}

// WithAcceptLimits rate limits accepts per peer address and in total.
func WithAcceptLimits(config *AcceptLimitsConfig) ListenerOption {
	return func(l *Listener) {
		if config != nil {
			l.limiter = NewAcceptLimiter(config)
		}
	}
}

// endpoint is one bound listening socket.
type endpoint struct {
	ln     net.Listener
	armed  bool
	closed atomic.Bool
}

// Listener accepts TCP connections on any number of endpoints and hands
// each accepted transport to its Acceptor.
//
// Design rationale:
//   - One Bind may open several endpoints: one per resolved address, and
//     both the IPv4 and IPv6 wildcard when the host is empty
//   - Every open endpoint has exactly one accept outstanding; the next
//     Accept is issued before the previous transport is handled
//   - Access-list and rate-limit checks run on the Executor, never on the
//     accept goroutine
type Listener struct {
	id       string
	acceptor Acceptor
	resolver *net.Resolver
	exec     *Executor
	metrics  *Metrics
	access   *AccessFilter
	limiter  *AcceptLimiter

	mu           sync.Mutex
	endpoints    []*endpoint
	closed       bool
	cleanupArmed bool
	stop         chan struct{}
	wg           sync.WaitGroup
}

// NewListener creates a Listener with no endpoints.
func NewListener(acceptor Acceptor, opts ...ListenerOption) *Listener {
	runtimex.Assert(acceptor != nil)
	l := &Listener{
		id:       uuid.NewString(),
		acceptor: acceptor,
		resolver: net.DefaultResolver,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.exec == nil {
		l.exec = DefaultExecutor()
	}
	return l
}

// ID returns the listener instance identifier used in logs.
func (l *Listener) ID() string {
	return l.id
}

// Bind resolves host and port and binds one endpoint per resolved address.
// An empty host binds both the IPv4 and the IPv6 wildcard. port may be a
// number or a service name. Failures are logged; Bind reports whether at
// least one endpoint was bound.
func (l *Listener) Bind(ctx context.Context, host, port string) bool {
	portNum, err := l.resolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		log.Error().Err(err).Str("listener", l.id).Str("port", port).Msg("resolve port")
		return false
	}

	addrs, err := l.resolveHost(ctx, host)
	if err != nil {
		log.Error().Err(err).Str("listener", l.id).Str("host", host).Msg("resolve host")
		return false
	}

	bound := 0
	seen := make(map[netip.Addr]struct{}, len(addrs))
	for _, addr := range addrs {
		addr = addr.Unmap()
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if l.BindAddr(ctx, netip.AddrPortFrom(addr, uint16(portNum))) {
			bound++
		}
	}

	log.Info().
		Str("listener", l.id).
		Str("host", host).
		Int("port", portNum).
		Int("resolved", len(seen)).
		Int("bound", bound).
		Msg("bind complete")

	return bound > 0
}

func (l *Listener) resolveHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if host == "" {
		return []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := l.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	return addrs, nil
}

// BindAddr opens, configures and binds a single endpoint. The endpoint
// does not accept until StartListening.
func (l *Listener) BindAddr(ctx context.Context, addr netip.AddrPort) bool {
	if err := l.checkOpen(); err != nil {
		log.Warn().Err(err).Str("listener", l.id).Str("addr", addr.String()).Msg("bind endpoint")
		return false
	}

	network := "tcp4"
	if addr.Addr().Is6() {
		network = "tcp6"
	}
	lc := net.ListenConfig{Control: controlListener}
	ln, err := lc.Listen(ctx, network, addr.String())
	if err != nil {
		log.Error().Err(err).Str("listener", l.id).Str("addr", addr.String()).Msg("bind endpoint")
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		log.Warn().Err(ErrListenerClosed).Str("listener", l.id).Str("addr", addr.String()).Msg("bind endpoint")
		return false
	}
	l.endpoints = append(l.endpoints, &endpoint{ln: ln})
	l.mu.Unlock()

	log.Info().
		Str("listener", l.id).
		Str("network", network).
		Str("addr", ln.Addr().String()).
		Msg("endpoint bound")
	return true
}

// StartListening arms one accept loop per open endpoint. Endpoints that
// are already accepting are left alone; closed endpoints are skipped.
func (l *Listener) StartListening() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		log.Warn().Err(ErrListenerClosed).Str("listener", l.id).Msg("start listening")
		return
	}

	if l.limiter != nil && !l.cleanupArmed {
		l.cleanupArmed = true
		l.wg.Add(1)
		go l.cleanupLoop()
	}

	for _, ep := range l.endpoints {
		if ep.armed {
			continue
		}
		if ep.closed.Load() {
			log.Info().Str("listener", l.id).Str("addr", ep.ln.Addr().String()).Msg("skipping closed endpoint")
			continue
		}
		ep.armed = true
		l.wg.Add(1)
		go l.acceptLoop(ep)

		log.Info().
			Str("listener", l.id).
			Str("addr", ep.ln.Addr().String()).
			Msg("listening")
	}
}

// Addrs returns the addresses of all bound endpoints.
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := make([]net.Addr, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		addrs = append(addrs, ep.ln.Addr())
	}
	return addrs
}

// Close closes every endpoint and waits for the accept loops to exit.
// Transports already handed to the Acceptor are not affected.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	endpoints := l.endpoints
	l.mu.Unlock()

	var errs []error
	for _, ep := range endpoints {
		ep.closed.Store(true)
		if err := ep.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	l.wg.Wait()

	log.Info().Str("listener", l.id).Int("endpoints", len(endpoints)).Msg("listener closed")
	return errors.Join(errs...)
}

// checkOpen returns ErrListenerClosed once Close has been called.
func (l *Listener) checkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	return nil
}

// acceptLoop keeps exactly one Accept outstanding on ep until it closes.
func (l *Listener) acceptLoop(ep *endpoint) {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		transport, err := ep.ln.Accept()
		if err != nil {
			if ep.closed.Load() || errors.Is(err, net.ErrClosed) {
				log.Debug().Str("listener", l.id).Str("addr", ep.ln.Addr().String()).Msg("accept loop exiting")
				return
			}
			l.metrics.acceptError()

			if isResourceExhausted(err) {
				backoff = nextAcceptBackoff(backoff)
				log.Error().
					Err(err).
					Str("listener", l.id).
					Dur("backoff", backoff).
					Msg("accept failed, out of resources")
				select {
				case <-time.After(backoff):
				case <-l.stop:
					return
				}
				continue
			}

			log.Warn().Err(err).Str("listener", l.id).Msg("accept failed")
			continue
		}

		backoff = 0
		l.metrics.accepted()
		l.dispatch(transport)
	}
}

func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(2*d, maxAcceptBackoff)
}

// dispatch hands transport to the Executor.
func (l *Listener) dispatch(transport net.Conn) {
	err := l.exec.Submit(func() {
		l.handleAccepted(transport)
	})
	if err != nil {
		log.Error().Err(err).Str("listener", l.id).Msg("dropping accepted connection")
		l.metrics.rejected("executor_closed")
		_ = transport.Close()
	}
}

// handleAccepted runs the admission checks and calls the Acceptor.
func (l *Listener) handleAccepted(transport net.Conn) {
	peer := peerAddr(transport)

	if l.access != nil {
		if err := l.access.Check(peer); err != nil {
			l.metrics.rejected("access_list")
			_ = transport.Close()
			return
		}
	}
	if l.limiter != nil {
		if err := l.limiter.CheckAndRecord(peer); err != nil {
			l.metrics.rejected("rate_limit")
			_ = transport.Close()
			return
		}
	}

	log.Debug().
		Str("listener", l.id).
		Str("remote", safeconn.RemoteAddr(transport)).
		Msg("connection accepted")

	l.acceptor.OnAccept(transport)
}

func (l *Listener) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(historyCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.limiter.CleanupStaleHistory()
		case <-l.stop:
			return
		}
	}
}

// peerAddr extracts the peer IP, or the zero Addr if unavailable.
func peerAddr(transport net.Conn) netip.Addr {
	ra := transport.RemoteAddr()
	if ta, ok := ra.(*net.TCPAddr); ok && ta != nil {
		return ta.AddrPort().Addr().Unmap()
	}
	if ra == nil {
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(ra.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
