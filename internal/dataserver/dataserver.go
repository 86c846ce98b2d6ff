// Package dataserver implements the storage node's network-facing data
// plane: a TCP listener that frames connections with pkg/wire and dispatches
// STORE/START/WINDOW/STOP to a Local Log Store and a storagenode.Session,
// pushing RECORD/GAP frames back to readers. It follows the same
// Start/Stop-with-slog-logging shape used across this module's other
// servers, adapted from a request/response HTTP handler to a long-lived
// framed TCP connection handler.
package dataserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"logcore/internal/storagenode"
	"logcore/pkg/metrics"
	"logcore/pkg/types"
	"logcore/pkg/wire"
)

// LocalStore is the subset of the Local Log Store the data server writes
// records into and reads sessions against.
type LocalStore interface {
	storagenode.LocalStore
	Append(log types.LogID, rec types.Record) error
}

// Server accepts storage-node data plane connections.
type Server struct {
	addr    string
	store   LocalStore
	metrics metrics.Collector
	health  HealthConfig

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer builds a data server that will listen on addr and serve reads
// and writes against store. collector may be nil to disable metrics.
func NewServer(addr string, store LocalStore, collector metrics.Collector) *Server {
	return &Server{addr: addr, store: store, metrics: collector}
}

// WithHealthConfig overrides the default connection-health classifier
// thresholds. Call before Start.
func (s *Server) WithHealthConfig(cfg HealthConfig) *Server {
	s.health = cfg
	return s
}

func (s *Server) incCounter(name string, labels map[string]string) {
	if s.metrics != nil {
		s.metrics.IncCounter(name, labels, 1)
	}
}

// Start opens the listener and begins accepting connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dataserver: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			slog.Error("dataserver: accept", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newConnHandler(conn, s.store, s.metrics, s.health).run()
		}()
	}
}

// connHandler owns one client connection: the reader side and every
// session the client has STARTed, each pushing RECORD/GAP frames back over
// the same connection under writeMu.
type connHandler struct {
	conn    net.Conn
	store   LocalStore
	metrics metrics.Collector
	health  *connHealth

	writeMu sync.Mutex

	sessMu   sync.Mutex
	sessions map[types.LogID]*sessionHandle
}

type sessionHandle struct {
	session *storagenode.Session
	cancel  context.CancelFunc
}

func newConnHandler(conn net.Conn, store LocalStore, collector metrics.Collector, healthCfg HealthConfig) *connHandler {
	return &connHandler{
		conn:     conn,
		store:    store,
		metrics:  collector,
		health:   newConnHealth(healthCfg, time.Now()),
		sessions: make(map[types.LogID]*sessionHandle),
	}
}

// hasOpenSession reports whether the client has an outstanding START on any
// log, for connHealth's app-limited classification.
func (c *connHandler) hasOpenSession() bool {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return len(c.sessions) > 0
}

// healthLoop periodically classifies the connection and closes it if it is
// rate-limited STALLED, following the same ticker-driven loop shape
// gossip.Detector uses for its heartbeat/liveness check.
func (c *connHandler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.health.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			state := c.health.classify(now, c.hasOpenSession())
			if state == ConnNetSlow || state == ConnStalled {
				c.incCounter("dataserver_conn_"+state.String()+"_total", nil)
			}
			if c.health.shouldClose(now, state) {
				slog.Warn("dataserver: closing stalled connection", "remote", c.conn.RemoteAddr())
				c.conn.Close()
				return
			}
		}
	}
}

func (c *connHandler) incCounter(name string, labels map[string]string) {
	if c.metrics != nil {
		c.metrics.IncCounter(name, labels, 1)
	}
}

func (c *connHandler) run() {
	defer c.conn.Close()
	r := bufio.NewReader(c.conn)

	hello, err := wire.ReadFrame(r)
	if err != nil {
		slog.Warn("dataserver: handshake read", "error", err)
		return
	}
	if hello.Header.Type != wire.MsgHELLO {
		slog.Warn("dataserver: expected HELLO", "got", hello.Header.Type)
		return
	}
	helloBody, err := wire.DecodeHelloBody(hello.Body)
	if err != nil {
		slog.Warn("dataserver: decode HELLO", "error", err)
		return
	}
	accepted := helloBody.ProtocolVersion >= wire.MinSupportedVersion
	ack := wire.AckBody{ProtocolVersion: wire.ProtocolVersion, Accepted: accepted}
	if !accepted {
		ack.Reason = "unsupported protocol version"
	}
	if err := c.writeFrame(wire.NewFrame(wire.MsgACK, hello.Header.Cookie, ack.Encode())); err != nil {
		slog.Warn("dataserver: write ACK", "error", err)
		return
	}
	if !accepted {
		return
	}

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	defer cancelHealth()
	go c.healthLoop(healthCtx)

	defer c.closeAllSessions()

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Debug("dataserver: connection closed", "error", err)
			}
			return
		}
		c.health.markActivity(time.Now())
		if err := c.dispatch(frame); err != nil {
			slog.Warn("dataserver: dispatch", "type", frame.Header.Type, "error", err)
		}
	}
}

func (c *connHandler) dispatch(frame wire.Frame) error {
	switch frame.Header.Type {
	case wire.MsgStore:
		return c.handleStore(frame)
	case wire.MsgStart:
		return c.handleStart(frame)
	case wire.MsgWindow:
		return c.handleWindow(frame)
	case wire.MsgStop:
		return c.handleStop(frame)
	default:
		return fmt.Errorf("dataserver: unexpected message type %s", frame.Header.Type)
	}
}

func (c *connHandler) handleStore(frame wire.Frame) error {
	body, err := wire.DecodeStoreBody(frame.Body)
	if err != nil {
		return fmt.Errorf("decode STORE: %w", err)
	}
	rec := types.Record{
		Log:       body.Log,
		LSN:       body.LSN,
		Timestamp: body.Timestamp,
		Flags:     body.Flags,
		Payload:   body.Payload,
	}
	status := wire.StoredOK
	if err := c.store.Append(body.Log, rec); err != nil {
		slog.Error("dataserver: append", "log", body.Log, "error", err)
		status = wire.StoredNoSpc
		c.incCounter("dataserver_store_failed_total", nil)
	} else {
		c.incCounter("dataserver_store_ok_total", nil)
	}
	stored := wire.StoredBody{Log: body.Log, LSN: body.LSN, Status: status}
	return c.writeFrame(wire.NewFrame(wire.MsgStored, frame.Header.Cookie, stored.Encode()))
}

func (c *connHandler) handleStart(frame wire.Frame) error {
	body, err := wire.DecodeStartBody(frame.Body)
	if err != nil {
		return fmt.Errorf("decode START: %w", err)
	}
	req := storagenode.StartRequest{
		Log:      body.Log,
		StartLSN: body.StartLSN,
		SendAll:  body.SendAll,
		Window:   body.Window,
	}
	sess := storagenode.NewSession(c.store, nil, req)
	ctx, cancel := context.WithCancel(context.Background())

	c.sessMu.Lock()
	if old, ok := c.sessions[body.Log]; ok {
		old.cancel()
	}
	c.sessions[body.Log] = &sessionHandle{session: sess, cancel: cancel}
	c.sessMu.Unlock()

	go c.pumpSession(ctx, body.Log, sess)

	return c.writeFrame(wire.NewFrame(wire.MsgStarted, frame.Header.Cookie, nil))
}

func (c *connHandler) handleWindow(frame wire.Frame) error {
	body, err := wire.DecodeWindowBody(frame.Body)
	if err != nil {
		return fmt.Errorf("decode WINDOW: %w", err)
	}
	c.sessMu.Lock()
	h, ok := c.sessions[body.Log]
	c.sessMu.Unlock()
	if !ok {
		return fmt.Errorf("WINDOW for unknown session log %d", body.Log)
	}
	h.session.Window(body.Credit)
	return nil
}

func (c *connHandler) handleStop(frame wire.Frame) error {
	body, err := wire.DecodeStopBody(frame.Body)
	if err != nil {
		return fmt.Errorf("decode STOP: %w", err)
	}
	c.sessMu.Lock()
	h, ok := c.sessions[body.Log]
	delete(c.sessions, body.Log)
	c.sessMu.Unlock()
	if ok {
		h.cancel()
		h.session.Close()
	}
	return nil
}

func (c *connHandler) closeAllSessions() {
	c.sessMu.Lock()
	handles := make([]*sessionHandle, 0, len(c.sessions))
	for _, h := range c.sessions {
		handles = append(handles, h)
	}
	c.sessions = make(map[types.LogID]*sessionHandle)
	c.sessMu.Unlock()

	for _, h := range handles {
		h.cancel()
		h.session.Close()
	}
}

// pumpSession pushes RECORD/GAP frames for one session until it closes,
// the context is cancelled, or a write fails.
func (c *connHandler) pumpSession(ctx context.Context, log types.LogID, sess *storagenode.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		outcome, ok, err := sess.Next(ctx)
		if err != nil {
			slog.Error("dataserver: session read", "log", log, "error", err)
			return
		}
		if !ok {
			return
		}

		var frame wire.Frame
		switch {
		case outcome.Record != nil:
			rb := wire.RecordBody{
				Log:       outcome.Record.Log,
				LSN:       outcome.Record.LSN,
				Timestamp: outcome.Record.Timestamp,
				Flags:     outcome.Record.Flags,
				Payload:   outcome.Record.Payload,
			}
			frame = wire.NewFrame(wire.MsgRecord, 0, rb.Encode())
			c.incCounter("dataserver_records_pushed_total", nil)
		case outcome.Gap != nil:
			gb := wire.GapBody{
				Log:     outcome.Gap.Log,
				Type:    outcome.Gap.Type,
				LowLSN:  outcome.Gap.LowLSN,
				HighLSN: outcome.Gap.HighLSN,
			}
			frame = wire.NewFrame(wire.MsgGap, 0, gb.Encode())
			c.incCounter("dataserver_gaps_pushed_total", nil)
		case outcome.FilteredOut != nil:
			// No record or gap to deliver; keep consuming credit silently.
			continue
		default:
			continue
		}

		if err := c.writeFrame(frame); err != nil {
			slog.Debug("dataserver: push frame failed, closing session", "log", log, "error", err)
			return
		}
	}
}

func (c *connHandler) writeFrame(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.health.beginWrite(time.Now())
	_, err := f.WriteTo(c.conn)
	c.health.endWrite(time.Now())
	return err
}
