package ipc

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/shuttledb/shuttle/internal/logger"
)

// Handler handles one method call and returns its result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// StreamHandler handles a method that emits multiple result frames. send
// writes one frame to the client and fails once the client is gone. The
// handler owns the end-of-stream convention for its method.
type StreamHandler func(ctx context.Context, params json.RawMessage, send func(any) error) error

// HandlerError carries a specific error code back to the client.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	return e.Message
}

// Server accepts control connections and routes requests to handlers.
// Every request must carry the daemon's token when one is configured.
type Server struct {
	listener *Listener
	token    string
	handlers map[string]Handler
	streams  map[string]StreamHandler

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewServer creates a server listening at path. An empty token disables
// authentication; the daemon always sets one.
func NewServer(path, token string) (*Server, error) {
	listener, err := NewListener(path)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		token:    token,
		handlers: make(map[string]Handler),
		streams:  make(map[string]StreamHandler),
	}, nil
}

// RegisterHandler maps a method name to its request handler.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterStream registers a streaming handler for a method.
func (s *Server) RegisterStream(method string, handler StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = handler
}

// Start launches the accept loop. It returns once the loop is running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	logger.Info("control server listening", "path", s.listener.Path())

	go s.acceptLoop(ctx)
	return nil
}

// Stop stops the server and waits for open connections to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()

	logger.Info("control server stopped")
	return err
}

// Path returns the control endpoint path.
func (s *Server) Path() string {
	return s.listener.Path()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			logger.Warn("control accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves one client: a sequential request/response loop.
// A streaming method holds the loop until its stream ends.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				logger.Debug("control read error", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(writer, NewErrorResponse("", ErrCodeInvalidRequest,
				fmt.Sprintf("invalid JSON: %v", err)))
			continue
		}

		if !s.authorized(req) {
			s.writeResponse(writer, NewErrorResponse(req.ID, ErrCodeUnauthorized,
				"missing or invalid token"))
			continue
		}

		s.mu.Lock()
		stream, isStream := s.streams[req.Method]
		s.mu.Unlock()

		if isStream {
			send := func(v any) error {
				resp, err := NewSuccessResponse(req.ID, v)
				if err != nil {
					return err
				}
				return s.writeResponse(writer, resp)
			}
			if err := stream(ctx, req.Params, send); err != nil {
				if herr, ok := err.(*HandlerError); ok {
					s.writeResponse(writer, NewErrorResponse(req.ID, herr.Code, herr.Message))
					continue
				}
				logger.Debug("control stream ended", "method", req.Method, "error", err)
				return
			}
			continue
		}

		resp := s.handleRequest(ctx, req)
		if err := s.writeResponse(writer, resp); err != nil {
			logger.Debug("control write error", "error", err)
			return
		}
	}
}

func (s *Server) authorized(req Request) bool {
	if s.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.token)) == 1
}

// handleRequest routes a request to its handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	s.mu.Lock()
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()

	if !ok {
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method))
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		if herr, ok := err.(*HandlerError); ok {
			return NewErrorResponse(req.ID, herr.Code, herr.Message)
		}
		return NewErrorResponse(req.ID, ErrCodeInternalError, err.Error())
	}

	resp, err := NewSuccessResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError,
			fmt.Sprintf("marshal response: %v", err))
	}
	return resp
}

func (s *Server) writeResponse(w *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
