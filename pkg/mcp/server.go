// Package mcp implements the JSON-RPC 2.0 tool protocol served at
// POST /mcp, gated by a broker access token.
package mcp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/internal/oauth"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Authenticator validates bearer tokens and resolves their sessions.
// The token broker satisfies this.
type Authenticator interface {
	ValidateAccessToken(ctx context.Context, token string) (*oauth.Session, error)
}

// ToolHandler executes one tool for an authenticated session.
type ToolHandler func(ctx context.Context, args map[string]interface{}, session *oauth.Session) (ToolResult, error)

// Server routes JSON-RPC requests to registered tools.
type Server struct {
	name     string
	version  string
	auth     Authenticator
	logger   *zap.Logger
	tools    []Tool
	handlers map[string]ToolHandler
}

// NewServer creates an MCP server.
func NewServer(name, version string, auth Authenticator, logger *zap.Logger) *Server {
	return &Server{
		name:     name,
		version:  version,
		auth:     auth,
		logger:   logger,
		handlers: make(map[string]ToolHandler),
	}
}

// RegisterTool adds a tool and its handler to the catalog.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = handler
}

// Tools returns the registered catalog.
func (s *Server) Tools() []Tool {
	return s.tools
}

// validateArguments checks args against the tool's input schema before
// the handler runs: required fields must be present and primitive types
// must match.
func validateArguments(tool Tool, args map[string]interface{}) error {
	required, _ := tool.InputSchema["required"].([]string)
	if required == nil {
		if rawRequired, ok := tool.InputSchema["required"].([]interface{}); ok {
			for _, item := range rawRequired {
				if name, ok := item.(string); ok {
					required = append(required, name)
				}
			}
		}
	}
	for _, name := range required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}

	properties, _ := tool.InputSchema["properties"].(map[string]interface{})
	for name, value := range args {
		prop, ok := properties[name].(map[string]interface{})
		if !ok {
			continue
		}
		expected, _ := prop["type"].(string)
		if expected == "" || value == nil {
			continue
		}
		if !typeMatches(expected, value) {
			return fmt.Errorf("argument %q must be of type %s", name, expected)
		}
	}
	return nil
}

func typeMatches(expected string, value interface{}) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	default:
		return true
	}
}
