package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/internal/oauth"
)

// JSON-RPC 2.0 error codes plus the broker's custom auth code.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32001
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// HandleMCP serves the JSON-RPC protocol endpoint. Every request must
// carry a valid broker access token.
func (s *Server) HandleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPC(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "failed to read request body"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, http.StatusBadRequest, errorResponse(req.ID, CodeInvalidRequest, "invalid JSON-RPC request"))
		return
	}

	session, err := s.auth.ValidateAccessToken(r.Context(), ExtractBearerToken(r))
	if err != nil {
		writeRPC(w, http.StatusUnauthorized, errorResponse(req.ID, CodeUnauthorized, "unauthorized: invalid or missing access token"))
		return
	}

	resp := s.dispatch(r.Context(), &req, session)
	writeRPC(w, http.StatusOK, resp)
}

func (s *Server) dispatch(ctx context.Context, req *Request, session *oauth.Session) (resp Response) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("panic in mcp dispatch",
				zap.String("method", req.Method), zap.Any("panic", recovered))
			resp = errorResponse(req.ID, CodeInternalError, "internal error")
		}
	}()

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    s.name,
				"version": s.version,
			},
		})
	case "tools/list":
		return resultResponse(req.ID, map[string]interface{}{"tools": s.tools})
	case "tools/call":
		return s.handleToolCall(ctx, req, session)
	case "ping":
		return resultResponse(req.ID, map[string]interface{}{})
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *Request, session *oauth.Session) Response {
	var call ToolCall
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid params")
		}
	}
	if call.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tool name is required")
	}

	handler, ok := s.handlers[call.Name]
	if !ok {
		return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown tool: %s", call.Name))
	}
	if call.Arguments == nil {
		call.Arguments = make(map[string]interface{})
	}

	tool := s.toolByName(call.Name)
	if err := validateArguments(tool, call.Arguments); err != nil {
		return resultResponse(req.ID, ErrorResult(err.Error()))
	}

	result, err := handler(ctx, call.Arguments, session)
	if err != nil {
		// Executor failures are business errors, not protocol errors.
		s.logger.Warn("tool execution failed", zap.String("tool", call.Name), zap.Error(err))
		return resultResponse(req.ID, ErrorResult(err.Error()))
	}
	return resultResponse(req.ID, result)
}

func (s *Server) toolByName(name string) Tool {
	for _, tool := range s.tools {
		if tool.Name == name {
			return tool
		}
	}
	return Tool{Name: name}
}

// ExtractBearerToken pulls the bearer token from the Authorization
// header, returning "" when absent or malformed.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func resultResponse(id json.RawMessage, result interface{}) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func writeRPC(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
