// Package operator implements the read-only, Unix-domain-socket
// newline-delimited-JSON introspection server, per SPEC_FULL.md §6. It is
// directly grounded on the teacher's internal/operator/server.go protocol
// shape, re-purposed from PID isolation-state overrides (reset/pin/unpin)
// to VSM introspection (lanes/breakers/budgets/llm_stats) — every command
// here reads state, none mutate it.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/breaker"
	"github.com/cybernetic-system/core/internal/ratelimiter"
	"github.com/cybernetic-system/core/internal/sharedllm"
)

const (
	maxRequestBytes = 4096
	connTimeout     = 10 * time.Second
)

// Coordinator is the subset of coordinator.Coordinator the server reads.
type Coordinator interface {
	Snapshot() map[string]int
}

// Breakers is the subset of breaker.Registry the server reads.
type Breakers interface {
	Snapshot() map[string]breaker.EndpointStatus
}

// Budgets is the subset of ratelimiter.RateLimiter the server reads.
type Budgets interface {
	Snapshot() map[string]ratelimiter.WindowStatus
}

// LLMStats is the subset of sharedllm.Router the server reads.
type LLMStats interface {
	Stats() sharedllm.Stats
}

// Request is the JSON structure for an introspection command.
type Request struct {
	Cmd string `json:"cmd"` // lanes | breakers | budgets | llm_stats
}

// Response is the JSON structure for a command's result.
type Response struct {
	OK       bool                               `json:"ok"`
	Error    string                             `json:"error,omitempty"`
	Lanes    map[string]int                     `json:"lanes,omitempty"`
	Breakers map[string]breaker.EndpointStatus  `json:"breakers,omitempty"`
	Budgets  map[string]ratelimiter.WindowStatus `json:"budgets,omitempty"`
	LLM      *sharedllm.Stats                   `json:"llm_stats,omitempty"`
}

// Server is the read-only operator Unix domain socket server.
type Server struct {
	socketPath string
	coord      Coordinator
	breakers   Breakers
	budgets    Budgets
	llm        LLMStats
	log        *zap.Logger
	sem        chan struct{}
}

// New constructs a Server. Any of coord/breakers/budgets/llm may be nil;
// the corresponding command then reports an error instead of a snapshot.
func New(socketPath string, coord Coordinator, breakers Breakers, budgets Budgets, llm LLMStats, maxConns int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if maxConns <= 0 {
		maxConns = 16
	}
	return &Server{
		socketPath: socketPath,
		coord:      coord,
		breakers:   breakers,
		budgets:    budgets,
		llm:        llm,
		log:        log,
		sem:        make(chan struct{}, maxConns),
	}
}

// ListenAndServe starts the socket server and blocks until ctx is
// cancelled. Removes any stale socket file before binding.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if dir := filepath.Dir(s.socketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("operator: mkdir %q: %w", dir, err)
		}
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "lanes":
		return s.cmdLanes()
	case "breakers":
		return s.cmdBreakers()
	case "budgets":
		return s.cmdBudgets()
	case "llm_stats":
		return s.cmdLLMStats()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdLanes() Response {
	if s.coord == nil {
		return Response{OK: false, Error: "coordinator not available"}
	}
	return Response{OK: true, Lanes: s.coord.Snapshot()}
}

func (s *Server) cmdBreakers() Response {
	if s.breakers == nil {
		return Response{OK: false, Error: "breaker registry not available"}
	}
	return Response{OK: true, Breakers: s.breakers.Snapshot()}
}

func (s *Server) cmdBudgets() Response {
	if s.budgets == nil {
		return Response{OK: false, Error: "rate limiter not available"}
	}
	return Response{OK: true, Budgets: s.budgets.Snapshot()}
}

func (s *Server) cmdLLMStats() Response {
	if s.llm == nil {
		return Response{OK: false, Error: "shared-llm router not available"}
	}
	stats := s.llm.Stats()
	return Response{OK: true, LLM: &stats}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
