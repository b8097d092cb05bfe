package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/emergent-company/taskmcp/internal/correlation"
	"github.com/emergent-company/taskmcp/internal/fault"
)

// defaultMaxInflight bounds concurrent in-flight requests on the stdio
// transport. When the pool is saturated the reader pauses, which is the
// transport's back-pressure mechanism.
const defaultMaxInflight = 16

// Server implements the MCP protocol over a line-framed JSON stream,
// normally stdin/stdout. One reader goroutine accepts frames; operations
// run on worker goroutines; responses are serialised back in completion
// order.
type Server struct {
	registry    *Registry
	info        ServerInfo
	logger      *slog.Logger
	in          io.Reader
	out         io.Writer
	maxInflight int

	writeMu sync.Mutex
}

// NewServer creates an MCP server reading stdin and writing stdout.
func NewServer(registry *Registry, info ServerInfo, logger *slog.Logger) *Server {
	return &Server{
		registry:    registry,
		info:        info,
		logger:      logger,
		in:          os.Stdin,
		out:         os.Stdout,
		maxInflight: defaultMaxInflight,
	}
}

// WithStreams replaces the transport streams; tests drive the server
// through pipes.
func (s *Server) WithStreams(in io.Reader, out io.Writer) *Server {
	s.in = in
	s.out = out
	return s
}

// WithMaxInflight overrides the in-flight request bound.
func (s *Server) WithMaxInflight(n int) *Server {
	if n > 0 {
		s.maxInflight = n
	}
	return s
}

// Run reads JSON-RPC requests until the input closes or the context is
// cancelled. It returns after all in-flight requests have drained.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	// Frames can be large (listing results, receipts).
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	s.logger.Info("taskmcp server started", "name", s.info.Name, "version", s.info.Version)

	slots := make(chan struct{}, s.maxInflight)
	var wg sync.WaitGroup

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Error("failed to parse request", "error", err)
			s.write(&Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: ErrCodeParse, Message: "Parse error", Data: err.Error()},
			})
			continue
		}

		// Notifications (no ID) don't get a response.
		if req.ID == nil {
			if req.Method == "notifications/initialized" {
				s.logger.Info("client initialized")
			} else {
				s.logger.Debug("received notification", "method", req.Method)
			}
			continue
		}

		// Blocking slot acquisition pauses the reader once maxInflight
		// requests are outstanding.
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer func() { <-slots }()
			s.write(s.handleRequest(ctx, &req))
		}(req)
	}

	wg.Wait()

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading input: %w", err)
	}
	s.logger.Info("taskmcp server stopped (input closed)")
	return nil
}

// write serialises one response frame. Frames from concurrent workers are
// emitted whole, in completion order.
func (s *Server) write(resp *Response) {
	if resp == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	enc := json.NewEncoder(s.out)
	if err := enc.Encode(resp); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// handleRequest assigns the correlation ID and dispatches.
func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	ctx, corrID := correlation.Ensure(ctx)
	log := s.logger.With("correlation_id", corrID, "method", req.Method)
	log.Debug("handling request", "id", string(req.ID))

	result, rpcErr := s.dispatch(ctx, req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		// Every terminal error carries the correlation ID.
		if data, ok := rpcErr.Data.(map[string]any); ok {
			data["correlationId"] = corrID
		} else if rpcErr.Data == nil {
			rpcErr.Data = map[string]any{"correlationId": corrID}
		}
		log.Warn("request failed", "code", rpcErr.Code, "message", rpcErr.Message)
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

// dispatch routes a request to the appropriate handler method.
func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return &ToolsListResult{Tools: s.registry.List()}, nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	case "resources/list":
		return s.handleResourcesList(ctx)
	case "resources/read":
		return s.handleResourcesRead(ctx, req.Params)
	default:
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

// handleInitialize responds to the MCP handshake.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &RPCError{
				Code:    ErrCodeInvalidParams,
				Message: "Invalid initialize params",
				Data:    err.Error(),
			}
		}
	}

	s.logger.Info("client connecting",
		"client", initParams.ClientInfo.Name,
		"client_version", initParams.ClientInfo.Version,
		"protocol_version", initParams.ProtocolVersion,
	)

	caps := ServerCapability{Tools: &ToolsCapability{}}
	if s.registry.Resources() != nil {
		caps.Resources = &ResourcesCapability{}
	}

	return &InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    caps,
		ServerInfo:      s.info,
	}, nil
}

// handleToolsCall dispatches a tool call to the registry.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var callParams ToolsCallParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid tools/call params",
			Data:    err.Error(),
		}
	}

	tool := s.registry.Get(callParams.Name)
	if tool == nil {
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("tool not found: %s", callParams.Name),
		}
	}

	s.logger.Info("calling tool", "tool", callParams.Name,
		"correlation_id", correlation.ID(ctx))

	result, err := tool.Execute(ctx, callParams.Arguments)
	if err != nil {
		return nil, RPCFromFault(fault.From(err))
	}
	return result, nil
}

func (s *Server) handleResourcesList(ctx context.Context) (any, *RPCError) {
	provider := s.registry.Resources()
	if provider == nil {
		return &ResourcesListResult{Resources: []ResourceDefinition{}}, nil
	}
	defs, err := provider.ListResources(ctx)
	if err != nil {
		return nil, RPCFromFault(fault.From(err))
	}
	return &ResourcesListResult{Resources: defs}, nil
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var readParams ResourcesReadParams
	if err := json.Unmarshal(params, &readParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid resources/read params",
			Data:    err.Error(),
		}
	}
	provider := s.registry.Resources()
	if provider == nil {
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: "resources not available",
		}
	}
	result, err := provider.ReadResource(ctx, readParams.URI)
	if err != nil {
		return nil, RPCFromFault(fault.From(err))
	}
	return result, nil
}

// RPCFromFault renders a fault as a JSON-RPC error carrying the taxonomy
// code, hint and retryability in its data payload.
func RPCFromFault(f *fault.Error) *RPCError {
	data := map[string]any{
		"code":      f.Code,
		"retryable": f.Retry,
		"severity":  string(f.Severity),
	}
	if f.Hint != "" {
		data["hint"] = f.Hint
	}
	for k, v := range f.Context {
		data[k] = v
	}
	return &RPCError{
		Code:    fault.RPCCode(f.Code),
		Message: f.Message,
		Data:    data,
	}
}
