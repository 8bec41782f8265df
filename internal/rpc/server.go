package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/insoblok/inso-simchain/internal/config"
)

// maxRequestSize bounds a single HTTP request body.
const maxRequestSize = 5 << 20

// Server is the JSON-RPC HTTP and WebSocket server. When the WebSocket
// address is empty or equal to the HTTP address, both share one listener.
type Server struct {
	cfg     config.RPCConfig
	handler *Handler
	ws      *WSSubscriptionManager
	servers []*http.Server
	logger  log.Logger
}

// NewServer creates a new RPC server.
func NewServer(cfg config.RPCConfig, handler *Handler) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		ws:      NewWSSubscriptionManager(handler),
		logger:  log.New("module", "rpc"),
	}
}

// Start binds the listeners and serves until Stop. Bind errors are returned
// synchronously.
func (s *Server) Start(ctx context.Context) error {
	shared := s.cfg.WSAddr == "" || s.cfg.WSAddr == s.cfg.ListenAddr

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", s.handleHealth)
	if shared {
		httpMux.HandleFunc("/", s.handleRoot)
	} else {
		httpMux.HandleFunc("/", s.handleHTTP)
	}
	if err := s.listen(ctx, "http", s.cfg.ListenAddr, httpMux, 30*time.Second); err != nil {
		return err
	}

	if !shared {
		wsMux := http.NewServeMux()
		wsMux.HandleFunc("/", s.ws.HandleWS)
		if err := s.listen(ctx, "ws", s.cfg.WSAddr, wsMux, 0); err != nil {
			return err
		}
	}

	go s.ws.Run(ctx)
	return nil
}

func (s *Server) listen(ctx context.Context, kind, addr string, h http.Handler, timeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listener: %w", kind, err)
	}
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.servers = append(s.servers, srv)

	go func() {
		s.logger.Info("JSON-RPC server listening", "kind", kind, "addr", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("JSON-RPC server failed", "kind", kind, "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down all listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down RPC servers")
	var errs []error
	for _, srv := range s.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// handleRoot routes upgrade requests to the WebSocket handler and everything
// else to HTTP JSON-RPC.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.ws.HandleWS(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// handleHTTP processes a single JSON-RPC request or a batch.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		s.writeJSON(w, parseError())
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var batch []JSONRPCRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			s.writeJSON(w, parseError())
			return
		}
		if len(batch) == 0 {
			s.writeJSON(w, &JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &JSONRPCError{Code: -32600, Message: "empty batch"},
			})
			return
		}
		responses := make([]*JSONRPCResponse, len(batch))
		for i := range batch {
			responses[i] = s.handler.Handle(r.Context(), &batch[i])
		}
		s.writeJSON(w, responses)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, parseError())
		return
	}
	s.writeJSON(w, s.handler.Handle(r.Context(), &req))
}

// handleHealth reports the chain head.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"service": "inso-simchain",
		"head":    s.handler.state.CurrentBlock(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", "err", err)
	}
}

func parseError() *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: -32700, Message: "parse error"},
	}
}
