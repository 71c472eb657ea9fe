package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/rcliao/cadence/internal/domain"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Transport serves line-delimited JSON-RPC 2.0 requests, one per line, and
// writes one response line per request that carries an ID.
type Transport struct {
	server *Server
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger
	mu     sync.Mutex
}

func NewTransport(server *Server, r io.Reader, w io.Writer) *Transport {
	return &Transport{
		server: server,
		reader: bufio.NewReader(r),
		writer: w,
		logger: server.logger.With("transport", "jsonrpc"),
	}
}

// Serve reads requests until EOF, an "exit" notification or ctx is done.
func (t *Transport) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			line, err := t.reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				t.logger.Info("client disconnected")
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		case line := <-lines:
			resp, exit := t.processRequest(ctx, line)
			if resp != nil {
				if err := t.sendResponse(resp); err != nil {
					return err
				}
			}
			if exit {
				return nil
			}
		}
	}
}

// processRequest handles one request line. exit reports an "exit" notification.
func (t *Transport) processRequest(ctx context.Context, data []byte) (resp *JSONRPCResponse, exit bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic recovered", "panic", r)
			resp = &JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &JSONRPCError{Code: InternalError, Message: "Internal server error"},
			}
		}
	}()

	var req JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &JSONRPCError{Code: ParseError, Message: "Parse error", Data: err.Error()},
		}, false
	}
	if req.JSONRPC != "2.0" {
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &JSONRPCError{Code: InvalidRequest, Message: "Invalid Request - JSON-RPC 2.0 required"},
		}, false
	}

	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"serverInfo": map[string]interface{}{"name": "cadence", "version": "1.0.0"},
			},
		}, false
	case "exit":
		return nil, true
	}

	result, err := t.server.HandleCommandContext(ctx, req.Method, req.Params)
	if req.ID == nil {
		// Notification
		return nil, false
	}
	if err != nil {
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)}, false
	}
	return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}, false
}

func toRPCError(err error) *JSONRPCError {
	code := InternalError
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrUnknownMethod):
		code = MethodNotFound
	case errors.Is(err, domain.ErrValidation), errors.As(err, &syntax), errors.As(err, &typeErr):
		code = InvalidParams
	}
	return &JSONRPCError{Code: code, Message: err.Error()}
}

func (t *Transport) sendResponse(response *JSONRPCResponse) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
