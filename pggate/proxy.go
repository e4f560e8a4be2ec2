package pggate

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgproto3/v2"
	"github.com/lithammer/shortuuid/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	scanUtils "github.com/siemens/GoScans/utils"
)

const intervalConnectionsLog = time.Second * 60

// acceptBackoff is how long the accept loop pauses after a transient error,
// e.g. running against the process file descriptor limit
const acceptBackoff = time.Millisecond * 100

// ErrTlsRequired defines the error message returned to plaintext clients when
// the route's reject policy is set to notify
var ErrTlsRequired = &pgconn.PgError{
	Severity: "FATAL",
	Code:     "28000",
	Message:  "SSL connection required",
}

// connPhase is the current state of a connection's state machine, kept for
// the periodic connection table log
type connPhase string

const (
	phaseAwaitingPreamble connPhase = "Preamble"
	phaseSslRequestSeen   connPhase = "SslSeen"
	phaseHandshaking      connPhase = "Handshake"
	phaseDialing          connPhase = "Dialing"
	phaseRelaying         connPhase = "Relaying"
)

// ProxiedConn holds the bookkeeping data of a single client connection. The
// sockets are owned exclusively by the handling goroutine; the phase and
// upstream fields are additionally read by the connection table logger and
// the shutdown path, hence the lock.
type ProxiedConn struct {
	Uuid             string // Random string identifying log messages of this connection stream
	Peer             string
	Timestamp        time.Time
	ConnectionClient net.Conn

	lock               sync.Mutex
	phase              connPhase
	sni                string
	connectionUpstream net.Conn
}

func (c *ProxiedConn) setPhase(phase connPhase) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.phase = phase
}

func (c *ProxiedConn) setSni(sni string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sni = sni
}

func (c *ProxiedConn) setUpstream(conn net.Conn) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.connectionUpstream = conn
}

func (c *ProxiedConn) details() (connPhase, string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.phase, c.sni
}

// closeConns force-closes the connection's sockets to resolve blocking reads,
// used when the shutdown grace period expires
func (c *ProxiedConn) closeConns() {
	c.lock.Lock()
	defer c.lock.Unlock()
	_ = c.ConnectionClient.Close()
	if c.connectionUpstream != nil {
		_ = c.connectionUpstream.Close()
	}
}

// RouteProxy terminates TLS for a single configured route. It owns a bound
// TCP endpoint and the route's immutable TLS context, accepts incoming client
// connections and drives one connection handler goroutine per client.
type RouteProxy struct {
	logger   scanUtils.Logger // PgGate internal logger. Can be any fulfilling the specified logger interface
	route    Route            // Immutable route configuration
	listener net.Listener     // Bound TCP endpoint accepting client connections
	tlsConf  *tls.Config      // Immutable TLS context shared by all connections on this route

	connectionMap cmap.ConcurrentMap[string, *ProxiedConn] // Map of currently active connections
	connectionCnt Counter                                  // Counter for currently active proxy connections

	wg            sync.WaitGroup     // Wait group for all goroutines across all client connections
	ctx           context.Context    // Context within the route proxy is running, can be cancelled to shut down
	ctxCancelFunc context.CancelFunc // Cancel function for context

	connectionsLogTicker *time.Ticker // Ticker regularly logging currently active connections
}

// NewRouteProxy binds a route's listener endpoint and prepares its connection
// handling. Bind failures are fatal for the route.
func NewRouteProxy(logger scanUtils.Logger, route Route, tlsConf *tls.Config) (*RouteProxy, error) {

	// Demand a TLS context, the proxy exists to enforce TLS
	if tlsConf == nil {
		return nil, fmt.Errorf("route '%s' has no TLS context", route.Listener.BindAddress)
	}

	// Open listener
	listener, errListener := net.Listen("tcp", route.Listener.BindAddress)
	if errListener != nil {
		return nil, fmt.Errorf("could not bind '%s': %w", route.Listener.BindAddress, errListener)
	}

	// Prepare cancel context
	ctx, ctxCancel := context.WithCancel(context.Background())

	// Prepare route proxy
	proxy := RouteProxy{
		logger:               logger,
		route:                route,
		listener:             listener,
		tlsConf:              tlsConf,
		connectionMap:        cmap.New[*ProxiedConn](),
		ctx:                  ctx,
		ctxCancelFunc:        ctxCancel,
		connectionsLogTicker: time.NewTicker(intervalConnectionsLog),
	}

	// Launch background routine regularly printing currently active connections
	go func() {
		for {
			select {
			case <-proxy.ctx.Done():
				return
			case <-proxy.connectionsLogTicker.C:
				proxy.logConnections()
			}
		}
	}()

	// Log bound endpoint
	logger.Infof("Route bound on '%s', proxying to '%s'.", listener.Addr(), route.Backend.Address)

	// Return initialized route proxy
	return &proxy, nil
}

// Addr returns the listener's bound address, which may differ from the
// configured one when binding to port zero
func (p *RouteProxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Serve accepts incoming connections and processes each in an asynchronous
// goroutine until the listener is closed. Transient accept errors are retried
// after a short backoff; fatal listener errors are returned to the caller.
func (p *RouteProxy) Serve() error {
	for {

		// Accept connection
		client, errClient := p.listener.Accept()
		if errClient != nil {

			// Stop serving if listener got closed
			if errors.Is(errClient, net.ErrClosed) {
				return nil
			}

			// Back off and retry on transient errors
			if isTransientAccept(errClient) {
				p.logger.Warningf("Accept on '%s' failed temporarily: %s.", p.listener.Addr(), errClient)
				time.Sleep(acceptBackoff)
				continue
			}

			// Propagate fatal listener errors
			p.logger.Errorf("Accept on '%s' failed fatally: %s.", p.listener.Addr(), errClient)
			return errClient
		}

		// Increase connection counter and add to wait group before spawning,
		// so a concurrent Stop cannot miss the connection
		p.connectionCnt.Inc()
		p.wg.Add(1)

		// Handle client connection
		go func() {

			// Decrease counter afterward
			defer p.connectionCnt.Dec()
			defer p.wg.Done()

			// Handle connection
			p.handleClient(client)
		}()
	}
}

// isTransientAccept checks whether an accept error indicates temporary
// resource exhaustion rather than an invalidated listener
func isTransientAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// handleClient drives a single client connection through the proxy's state
// machine: preamble classification, SSL request acknowledgement, TLS
// handshake, upstream dial and bidirectional relay. All failures are contained
// here and never affect other connections or the listener.
func (p *RouteProxy) handleClient(client net.Conn) {

	// Generate UUID for context
	uuid := shortuuid.New()[0:10] // Shorten uuid, doesn't need to be that long

	// Get tagged logger for connection stream
	logger := scanUtils.NewTaggedLogger(p.logger, uuid)

	// Log final message for this interaction
	defer func() { logger.Debugf("Connection handling ended.") }()

	// Close client connection at the end, if still open
	defer func() { _ = client.Close() }()

	// Catch potential panics to gracefully log issue with stacktrace
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf(fmt.Sprintf("Panic: %s%s", r, scanUtils.StacktraceIndented("\t")))
		}
	}()

	// Log initial message
	peer := client.RemoteAddr().String()
	logger.Infof("Client connected from '%s'.", peer)

	// Register connection for the periodic connection table and shutdown path
	conn := &ProxiedConn{
		Uuid:             uuid,
		Peer:             peer,
		Timestamp:        time.Now(),
		ConnectionClient: client,
		phase:            phaseAwaitingPreamble,
	}
	p.connectionMap.Set(uuid, conn)
	defer p.connectionMap.Remove(uuid)

	// Set deadline for client to deliver its preamble
	_ = client.SetReadDeadline(time.Now().Add(p.route.Listener.preambleTimeout))

	// Read and classify the first eight bytes
	preamble, errPreamble := ReadPreamble(client)
	if errors.Is(errPreamble, ErrShortPreamble) {
		logger.Debugf("Client closed before completing preamble.")
		return
	} else if errors.Is(errPreamble, os.ErrDeadlineExceeded) {
		logger.Debugf("Client did not deliver preamble in time.")
		return
	} else if errPreamble != nil {
		logger.Debugf("Client preamble failed: %s.", errPreamble)
		return
	}

	// Clear preamble deadline again
	_ = client.SetReadDeadline(time.Time{})

	// Log classification
	logger.Debugf("Preamble of '%s' classified as '%s'.", peer, preamble.Kind)

	// Reject clients not requesting TLS. The preamble bytes are never
	// forwarded upstream, surfacing a plaintext startup would defeat the
	// purpose of the proxy.
	if preamble.Kind == PreambleNonSsl {
		p.rejectClient(logger, client, &preamble)
		return
	}

	// Acknowledge the SSL request. The reply must reach the client before the
	// handshake starts, its TLS state machine waits for it.
	conn.setPhase(phaseSslRequestSeen)
	_ = client.SetWriteDeadline(time.Now().Add(p.route.Listener.handshakeTimeout))
	_, errWrite := client.Write([]byte{'S'})
	if errWrite != nil {
		logger.Debugf("Could not accept SSL request: %s.", errWrite)
		return
	}
	_ = client.SetWriteDeadline(time.Time{})

	// Execute TLS handshake using the route's shared TLS context
	conn.setPhase(phaseHandshaking)
	clientTls := tls.Server(client, p.tlsConf)
	ctxHandshake, cancelHandshake := context.WithTimeout(p.ctx, p.route.Listener.handshakeTimeout)
	errHandshake := clientTls.HandshakeContext(ctxHandshake)
	cancelHandshake()
	if errors.Is(errHandshake, io.EOF) || errors.Is(errHandshake, net.ErrClosed) ||
		errors.Is(errHandshake, syscall.ECONNRESET) { // Connection closed by client
		_ = clientTls.Close()
		logger.Debugf("Client terminated connection during TLS handshake.")
		return
	} else if errors.Is(errHandshake, context.DeadlineExceeded) || errors.Is(errHandshake, os.ErrDeadlineExceeded) {
		_ = clientTls.Close()
		logger.Warningf("TLS handshake with '%s' timed out.", peer)
		return
	} else if errHandshake != nil {
		_ = clientTls.Close()
		logger.Warningf("TLS handshake with '%s' failed: %s.", peer, errHandshake)
		return
	}

	// Log handshake result with SNI, if the client indicated one. SNI is not
	// used for routing, the route serves a single identity.
	sni := clientTls.ConnectionState().ServerName
	if sni != "" {
		logger.Infof("TLS handshake with '%s' completed, SNI '%s'.", peer, sni)
		conn.setSni(sni)
	} else {
		logger.Infof("TLS handshake with '%s' completed.", peer)
	}

	// Establish plaintext TCP connection to the upstream database server
	conn.setPhase(phaseDialing)
	upstream, errUpstream := net.DialTimeout("tcp", p.route.Backend.Address, p.route.Listener.dialTimeout)
	if errUpstream != nil {
		logger.Warningf("Upstream '%s' unreachable: %s.", p.route.Backend.Address, errUpstream)
		_ = clientTls.Close() // Sends close-notify before the TCP teardown
		return
	}
	conn.setUpstream(upstream)
	defer func() { _ = upstream.Close() }()
	logger.Debugf("Upstream connected '%s' for '%s'.", p.route.Backend.Address, peer)

	// Relay decrypted client bytes and upstream bytes until either side ends
	conn.setPhase(phaseRelaying)
	logger.Infof("Relaying between '%s' and '%s'.", peer, p.route.Backend.Address)
	result, errRelay := relayConns(p.ctx, clientTls, upstream, p.route.Listener.idleTimeout)
	if errRelay != nil {
		logger.Infof(
			"Relay for '%s' closed after %d bytes in, %d bytes out (%s): %s.",
			peer, result.BytesClientToUpstream, result.BytesUpstreamToClient, result.Reason, errRelay,
		)
	} else {
		logger.Infof(
			"Relay for '%s' closed after %d bytes in, %d bytes out (%s).",
			peer, result.BytesClientToUpstream, result.BytesUpstreamToClient, result.Reason,
		)
	}
}

// rejectClient terminates a connection whose first packet did not request TLS.
// The default policy closes without a reply byte; the notify policy answers
// the plaintext client with a Postgres error response first, so interactive
// clients see why they were cut off. The preamble bytes are discarded either
// way.
func (p *RouteProxy) rejectClient(logger scanUtils.Logger, client net.Conn, preamble *Preamble) {

	// Half-close and discard whatever else the client already sent before the
	// socket gets closed. Closing with unread bytes pending would end the
	// connection with a reset instead of an orderly end-of-stream.
	defer func() {
		if cw, ok := client.(writeCloser); ok {
			_ = cw.CloseWrite()
		}
		_ = client.SetReadDeadline(time.Now().Add(p.route.Listener.preambleTimeout))
		_, _ = io.Copy(io.Discard, client)
	}()

	// Name the rejection cause for the log
	kind := "plaintext startup"
	if preamble.IsGssEnc() {
		kind = "GSSAPI encryption request" // Not supported, rejected like plaintext
	}

	// Close silently under the default policy
	if p.route.Listener.RejectPolicy != "notify" {
		logger.Infof("Client rejected (%s), closing without reply.", kind)
		return
	}

	// Notify client before closing
	logger.Infof("Client rejected (%s), returning error response.", kind)
	clientBackend := pgproto3.NewBackend(pgproto3.NewChunkReader(client), client)
	_ = client.SetWriteDeadline(time.Now().Add(p.route.Listener.preambleTimeout))
	errSend := clientBackend.Send(&pgproto3.ErrorResponse{
		Severity: ErrTlsRequired.Severity,
		Code:     ErrTlsRequired.Code,
		Message:  ErrTlsRequired.Message,
	})
	if errors.Is(errSend, net.ErrClosed) {
		// Connection already closed
	} else if errSend != nil {
		logger.Debugf("Could not return error response to client: %s.", errSend)
	}
}

// Stop shuts the route down: the listener is closed so no further connections
// arrive, in-flight connections get the given grace period to finish, then
// remaining ones are canceled and their sockets closed
func (p *RouteProxy) Stop(grace time.Duration) {

	// Log shutdown
	p.logger.Infof("Route '%s' shutting down.", p.listener.Addr())
	if p.connectionCnt.Value() > 0 {
		p.logger.Debugf("Route '%s' has %d active connections left.", p.listener.Addr(), p.connectionCnt.Value())
		p.logConnections()
	}

	// Close listener to stop accepting new connections
	_ = p.listener.Close()

	// Give in-flight connections the grace period to finish
	chDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(chDone)
	}()
	select {
	case <-chDone:
	case <-time.After(grace):
		p.logger.Debugf(
			"Grace period expired, canceling %d remaining connections.",
			p.connectionCnt.Value(),
		)
	}

	// Cancel context to terminate remaining relays and force-close their
	// sockets to resolve blocking reads
	p.ctxCancelFunc()
	for _, conn := range p.connectionMap.Items() {
		conn.closeConns()
	}

	// Wait for remaining handlers to release their resources
	<-chDone
	p.connectionsLogTicker.Stop()
	p.logger.Debugf("Route '%s' stopped.", p.listener.Addr())
}

// logConnections prints currently active connections utilizing the logger
func (p *RouteProxy) logConnections() {
	msg := fmt.Sprintf("Active connections on '%s':", p.listener.Addr())
	if p.connectionMap.Count() > 0 {

		// Get current map items as slice
		items := make([]*ProxiedConn, 0, p.connectionMap.Count())
		for _, v := range p.connectionMap.Items() {
			items = append(items, v)
		}

		// Sort slice
		slices.SortFunc(items, func(a, b *ProxiedConn) int {
			if a.Timestamp.Equal(b.Timestamp) {
				return cmp.Compare(a.Uuid, b.Uuid)
			}
			return a.Timestamp.Compare(b.Timestamp)
		})

		// Build log message
		for _, v := range items {
			phase, sni := v.details()
			if sni == "" {
				sni = "-"
			}
			host, _, errHost := net.SplitHostPort(v.Peer)
			if errHost != nil {
				host = v.Peer
			}
			msg += fmt.Sprintf(
				"\n    [%s] | Since: %-19s | Phase: %-9s | Sni: %-20s | Src: %-15s",
				v.Uuid,
				v.Timestamp.Format("2006-01-02 15:04:05"),
				phase,
				sni,
				host,
			)
		}

		// Log message
		p.logger.Debugf(msg)
	} else {
		msg += fmt.Sprintf(" %d", p.connectionCnt.Value())
		p.logger.Debugf(msg)
	}
}
