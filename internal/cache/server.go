package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/gridflow/internal/metrics"
)

// Backend is the durable map behind the server. *store.Store satisfies it.
type Backend interface {
	Insert(ctx context.Context, key string, value []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// Server serves the cache protocol over TCP.
type Server struct {
	backend     Backend
	metrics     *metrics.Metrics
	idleTimeout time.Duration

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerMetrics records per-request counters.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithIdleTimeout closes connections that send nothing for d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// NewServer creates a server over backend.
func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cache server listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every open connection and waits for handlers to return.
// A cancelled ctx yields a nil error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("cache server listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("cache server accept: %w", err)
			}
			break
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			break
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.handleConn(ctx, conn)
		}()
	}

	ln.Close()
	s.wg.Wait()
	slog.Info("cache server stopped", "addr", ln.Addr().String())
	return acceptErr
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// handleConn runs the per-connection state machine. Requests on one
// connection are processed strictly in order.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()

	remote := conn.RemoteAddr().String()
	slog.Debug("cache connection opened", "remote", remote)

	r := bufio.NewReaderSize(conn, 64<<10)
	w := bufio.NewWriter(conn)

	state := stateStart
	var key string
	var keyErr error

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		switch state {
		case stateStart:
			line, err := readLine(r, MaxKeyLen)
			if err != nil {
				if errors.Is(err, errLineTooLong) {
					s.replyError(w, "", "command too long")
					break
				}
				s.closed(remote, state, err)
				return
			}
			switch line {
			case cmdPing:
				s.metrics.ServerRequest(cmdPing, "ok")
				w.WriteString(msgOK)
			case cmdGet:
				state = stateGetKey
			case cmdDelete:
				state = stateDeleteKey
			case cmdInsert:
				state = stateInsertKey
			case "":
				// blank lines between requests are ignored
			default:
				s.replyError(w, "unknown", "unknown command")
			}

		case stateGetKey, stateDeleteKey:
			cmd := state.String()
			state = stateStart
			k, err := readLine(r, MaxKeyLen)
			if err != nil && !errors.Is(err, errLineTooLong) {
				s.closed(remote, stateGetKey, err)
				return
			}
			if err == nil {
				err = ValidKey(k)
			}
			if err != nil {
				s.replyError(w, cmd, errText(err))
				break
			}
			if cmd == cmdGet {
				s.get(ctx, w, k)
			} else {
				s.delete(ctx, w, k)
			}

		case stateInsertKey:
			k, err := readLine(r, MaxKeyLen)
			if err != nil && !errors.Is(err, errLineTooLong) {
				s.closed(remote, state, err)
				return
			}
			if err == nil {
				err = ValidKey(k)
			}
			// the value still follows; consume it before reporting
			key, keyErr = k, err
			state = stateInsertValue
			continue

		case stateInsertValue:
			state = stateStart
			value, err := readValue(r, MaxValueLen)
			if err != nil && !errors.Is(err, errValueTooLarge) {
				// partial insert: nothing is written
				s.closed(remote, stateInsertValue, err)
				return
			}
			if keyErr != nil {
				s.replyError(w, cmdInsert, errText(keyErr))
				break
			}
			if err != nil {
				s.replyError(w, cmdInsert, errText(err))
				break
			}
			s.insert(ctx, w, key, value)
		}

		if err := w.Flush(); err != nil {
			s.closed(remote, state, err)
			return
		}
	}
}

func (s *Server) get(ctx context.Context, w *bufio.Writer, key string) {
	value, found, err := s.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("cache get failed", "key", key, "error", err)
		s.replyError(w, cmdGet, "storage failure")
		return
	}
	if !found {
		s.metrics.ServerRequest(cmdGet, "miss")
		w.WriteString(msgNone)
		return
	}
	s.metrics.ServerRequest(cmdGet, "hit")
	w.Write(value)
	w.WriteString(terminator)
}

func (s *Server) delete(ctx context.Context, w *bufio.Writer, key string) {
	if _, err := s.backend.Delete(ctx, key); err != nil {
		slog.Warn("cache delete failed", "key", key, "error", err)
		s.replyError(w, cmdDelete, "storage failure")
		return
	}
	s.metrics.ServerRequest(cmdDelete, "ok")
	w.WriteString(msgOK)
}

func (s *Server) insert(ctx context.Context, w *bufio.Writer, key string, value []byte) {
	inserted, err := s.backend.Insert(ctx, key, value)
	if err != nil {
		slog.Warn("cache insert failed", "key", key, "error", err)
		s.replyError(w, cmdInsert, "storage failure")
		return
	}
	result := "ok"
	if !inserted {
		result = "exists"
	}
	s.metrics.ServerRequest(cmdInsert, result)
	w.WriteString(msgOK)
}

func (s *Server) replyError(w *bufio.Writer, cmd, reason string) {
	if cmd != "" {
		s.metrics.ServerRequest(cmd, "error")
	}
	w.WriteString(errPrefix)
	w.WriteString(reason)
	w.WriteString(newline)
}

func (s *Server) closed(remote string, state connState, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		if state != stateStart {
			slog.Debug("cache connection dropped mid-request", "remote", remote, "state", state.String())
		}
		return
	}
	slog.Debug("cache connection closed", "remote", remote, "state", state.String(), "error", err)
}

func errText(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
