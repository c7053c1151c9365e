package api

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/node"
)

const connTimeout = 30 * time.Second

// Snapshotter produces the Arrow IPC snapshot of the committed chain.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// StatusFunc returns the current driver status.
type StatusFunc func() node.Status

// SnapshotServer is a TCP server answering snapshot and status requests.
type SnapshotServer struct {
	source Snapshotter
	status StatusFunc
	auth   *Authenticator
	logger *zap.Logger

	listener net.Listener
	running  bool
	mu       sync.Mutex
	quit     chan struct{}
	active   map[net.Conn]struct{}
	conns    sync.WaitGroup
}

// NewSnapshotServer creates a server. status may be nil.
func NewSnapshotServer(source Snapshotter, status StatusFunc, auth *Authenticator, logger *zap.Logger) *SnapshotServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotServer{
		source: source,
		status: status,
		auth:   auth,
		logger: logger,
		quit:   make(chan struct{}),
		active: make(map[net.Conn]struct{}),
	}
}

// Listen binds the server to address.
func (s *SnapshotServer) Listen(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *SnapshotServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Stop is called.
func (s *SnapshotServer) Serve() error {
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.logger.Warn("accept failed", zap.Error(err))
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// Start listens on address and serves until Stop. It blocks.
func (s *SnapshotServer) Start(address string) error {
	if err := s.Listen(address); err != nil {
		return err
	}
	s.logger.Info("snapshot server listening", zap.Stringer("address", s.Addr()))
	return s.Serve()
}

// Stop closes the listener and waits for open connections to finish.
func (s *SnapshotServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.active {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.conns.Wait()
}

func (s *SnapshotServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.active[conn] = struct{}{}
	s.conns.Add(1)
	return true
}

func (s *SnapshotServer) untrack(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
	s.conns.Done()
}

// handleConnection serves requests on one connection until the client
// disconnects or fails authentication.
func (s *SnapshotServer) handleConnection(conn net.Conn) {
	defer s.untrack(conn)

	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	authenticated := !s.auth.IsEnabled()

	for {
		select {
		case <-s.quit:
			return
		default:
		}
		_ = conn.SetDeadline(time.Now().Add(connTimeout))

		var req Request
		if err := readMsg(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("failed to read request", zap.Error(err))
			}
			return
		}

		resp, keep := s.handle(&req, &authenticated)
		if err := writeMsg(conn, resp); err != nil {
			logger.Debug("failed to write response", zap.Error(err))
			return
		}
		if !keep {
			logger.Warn("closing connection", zap.String("reason", resp.Error))
			return
		}
	}
}

// handle answers one request. keep is false when the connection must be
// closed.
func (s *SnapshotServer) handle(req *Request, authenticated *bool) (resp *Response, keep bool) {
	if req.Type == RequestAuth {
		if err := s.auth.ValidateToken(req.Token); err != nil {
			return &Response{Error: err.Error()}, false
		}
		*authenticated = true
		return &Response{Success: true}, true
	}
	if !*authenticated {
		return &Response{Error: ErrAuthRequired.Error()}, false
	}

	switch req.Type {
	case RequestSnapshot:
		snapshot, err := s.source.Snapshot()
		if err != nil {
			s.logger.Error("failed to build snapshot", zap.Error(err))
			return &Response{Error: err.Error()}, true
		}
		return &Response{Success: true, Snapshot: snapshot}, true
	case RequestStatus:
		if s.status == nil {
			return &Response{Error: "status is not available"}, true
		}
		return &Response{Success: true, Status: statusInfo(s.status())}, true
	default:
		return &Response{Error: fmt.Sprintf("unknown request type %q", req.Type)}, true
	}
}

func statusInfo(st node.Status) *StatusInfo {
	return &StatusInfo{
		NodeID:           st.NodeID,
		View:             st.View,
		SeqNum:           st.SeqNum,
		Height:           st.Height,
		Primary:          st.Primary,
		StableCheckpoint: st.StableCheckpoint,
		Dead:             st.Dead,
		Summary:          st.Summary,
	}
}
