package protocol

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/metrics"
)

// Server speaks RESP on top of a ProtocolEngine. Network subscribers are
// served by redcon's PubSub, fed from the engine's broker so that events
// published inside procedures reach remote clients in publish order.
type Server struct {
	addr    string
	engine  ProtocolEngine
	handler *Handler
	pubsub  *redcon.PubSub
	logger  *zap.Logger

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener

	clients atomic.Int64
}

func NewServer(addr string, engine ProtocolEngine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:   addr,
		engine: engine,
		pubsub: &redcon.PubSub{},
		logger: logger,
	}
	s.handler = NewHandler(engine, s.pubsub)
	engine.Broker().Relay(s.pubsub.Publish)
	return s
}

// Listen binds the listening socket so Addr is known before Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()
	return nil
}

// Serve blocks until Stop. Listen must have been called.
func (s *Server) Serve() error {
	s.mu.RLock()
	srv, ln := s.server, s.listener
	s.mu.RUnlock()

	s.logger.Info("coordination store listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

// Clients returns the number of open connections.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.clients.Add(1)
	metrics.RecordConnection(1)
	s.logger.Debug("client connected", zap.String("remote", conn.RemoteAddr()))
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.clients.Add(-1)
	metrics.RecordConnection(-1)
	s.logger.Debug("client disconnected", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.execute(ctx, conn, cmd.Args)

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.execute(ctx, conn, p.Args)
	}
}

// execute runs one command. A panicking command fails alone: the client
// gets an error and the store keeps serving everyone else.
func (s *Server) execute(ctx context.Context, conn redcon.Conn, args [][]byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked",
				zap.String("cmd", string(args[0])),
				zap.Int("args", len(args)-1),
				zap.String("remote", conn.RemoteAddr()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			conn.WriteError("ERR internal error")
		}
	}()
	s.handler.ExecuteBytes(ctx, conn, args[0], args[1:])
}
