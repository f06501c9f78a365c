// Package mcpserver exposes stored wellness insights as MCP tools.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/wellness/pkg/errmodel"
	"github.com/wilhg/wellness/pkg/store"
	"github.com/wilhg/wellness/pkg/wellness"
)

// ToolLatest is the name of the read-only insight tool.
const ToolLatest = "latest_wellness"

// LatestInput selects a session; empty means the most recent result overall.
type LatestInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"session to look up; omit for the most recent result"`
}

// LatestOutput is a stored result.
type LatestOutput struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	Wellness    string `json:"wellness"`
	WatermarkMs int64  `json:"watermark_ms"`
	InsertedMs  int64  `json:"inserted_ms"`
}

// Server wraps an MCP server bound to a result reader.
type Server struct {
	srv     *mcp.Server
	results store.ResultReader
}

// New creates the server and registers its tools.
func New(results store.ResultReader, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		srv:     mcp.NewServer(&mcp.Implementation{Name: "wellness", Version: version}, nil),
		results: results,
	}
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        ToolLatest,
		Description: "Return the latest wellness insight, optionally for one session.",
	}, s.latest)
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

func (s *Server) latest(ctx context.Context, _ *mcp.CallToolRequest, in LatestInput) (*mcp.CallToolResult, LatestOutput, error) {
	var (
		r   wellness.Result
		ok  bool
		err error
	)
	if in.SessionID != "" {
		r, ok, err = s.results.LatestForSession(ctx, in.SessionID)
	} else {
		r, ok, err = s.results.Latest(ctx)
	}
	if err != nil {
		return nil, LatestOutput{}, errmodel.Persist(errmodel.CodePersistFailure, "read results", nil, err)
	}
	if !ok {
		return nil, LatestOutput{}, errmodel.NotFound("No wellness results found")
	}
	return nil, LatestOutput{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Wellness:    r.Text,
		WatermarkMs: r.Watermark.UnixMilli(),
		InsertedMs:  r.InsertedAt.UnixMilli(),
	}, nil
}
