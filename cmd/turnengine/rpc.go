// Wire protocol for the stdio JSON-RPC front end (spec §6, "Transport to
// UI / client"). Grounded on internal/mcp/transport_stdio.go's
// StdioTransport: a bufio.Scanner reads newline-delimited JSON objects from
// stdin (with the same 1MB buffer enlargement for long lines), and a
// mutex-guarded writer serializes stdout so concurrent session tasks never
// interleave partial lines. The request/response/notification shapes
// themselves mirror internal/mcp's JSONRPCRequest/JSONRPCResponse/
// JSONRPCNotification, separately declared here because cmd/turnengine is
// package main and cannot import an internal package's otherwise-identical
// client-side types for a server-side role.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// rpcRequest is a client-originated line (spec §6).
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse answers a request with the same id.
type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// rpcNotification is a server -> client event (spec §6-Events).
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is the JSON-RPC error object (spec §6, "Error codes").
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func newRPCError(code int, message string) *rpcError {
	return &rpcError{Code: code, Message: message}
}

func (e *rpcError) withData(data any) *rpcError {
	e.Data = data
	return e
}

// rpcConn owns the stdio transport: one reader goroutine feeding a channel
// of decoded requests, and a mutex-guarded writer for responses and
// notifications so they never interleave mid-line.
type rpcConn struct {
	logger *slog.Logger

	out   io.Writer
	outMu sync.Mutex

	scanner *bufio.Scanner
}

func newRPCConn(in io.Reader, out io.Writer, logger *slog.Logger) *rpcConn {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &rpcConn{logger: logger, out: out, scanner: scanner}
}

// readRequest blocks for the next newline-delimited JSON object on stdin.
// It returns io.EOF when stdin is closed (the server's graceful-shutdown
// trigger, spec §6) and a decode error for a malformed line without
// terminating the loop.
func (c *rpcConn) readRequest() (*rpcRequest, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := c.scanner.Bytes()
	if len(line) == 0 {
		return &rpcRequest{}, nil
	}
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	return &req, nil
}

func (c *rpcConn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := c.out.Write(data); err != nil {
		return err
	}
	_, err = c.out.Write([]byte("\n"))
	return err
}

func (c *rpcConn) respond(id any, result any) error {
	return c.writeLine(&rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (c *rpcConn) respondError(id any, rpcErr *rpcError) error {
	return c.writeLine(&rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func (c *rpcConn) notify(method string, params any) error {
	return c.writeLine(&rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// stdioConn builds an rpcConn bound to the process's own stdin/stdout.
func stdioConn(logger *slog.Logger) *rpcConn {
	return newRPCConn(os.Stdin, os.Stdout, logger)
}
