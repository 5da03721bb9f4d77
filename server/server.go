// Package server exposes the reply pipeline as an MCP server over stdio.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nox-hq/parley/assist"
	"github.com/nox-hq/parley/engine"
	"github.com/nox-hq/parley/history"
	"github.com/nox-hq/parley/reply"
)

const (
	// maxOutputBytes is the maximum response size before truncation (1 MB).
	maxOutputBytes = 1 << 20

	// maxImages bounds the image URLs accepted per message.
	maxImages = 4
)

// Server is the parley MCP server.
type Server struct {
	version string
	orch    *reply.Orchestrator
	stats   func() engine.Stats
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStats sets the source of engine counters reported by the stats tool.
func WithStats(fn func() engine.Stats) Option {
	return func(s *Server) { s.stats = fn }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a new MCP server backed by orch.
func New(version string, orch *reply.Orchestrator, opts ...Option) *Server {
	s := &Server{
		version: version,
		orch:    orch,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve starts the MCP server on stdio and blocks until the client disconnects.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.MCPServer())
}

// MCPServer builds the underlying server with every tool and resource
// registered.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"parley",
		s.version,
		mcpserver.WithRecovery(),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
	)

	s.registerTools(srv)
	s.registerResources(srv)
	return srv
}

func (s *Server) registerTools(srv *mcpserver.MCPServer) {
	// reply tool: one user message in, delivered chunks out.
	srv.AddTool(
		mcp.NewTool("reply",
			mcp.WithDescription("Send a user message to a conversation and return the assistant reply, one text item per delivered chunk"),
			mcp.WithString("conversation",
				mcp.Description("Conversation identifier; messages with the same id share history and are answered in order"),
				mcp.Required(),
			),
			mcp.WithString("text",
				mcp.Description("The user message"),
			),
			mcp.WithArray("images",
				mcp.Description("Image URLs attached to the message"),
				mcp.WithStringItems(),
			),
			mcp.WithString("system",
				mcp.Description("Optional system prompt overriding the configured persona"),
			),
		),
		s.handleReply,
	)

	srv.AddTool(
		mcp.NewTool("reset",
			mcp.WithDescription("Forget the stored history of a conversation"),
			mcp.WithString("conversation",
				mcp.Description("Conversation identifier"),
				mcp.Required(),
			),
			mcp.WithIdempotentHintAnnotation(true),
		),
		s.handleReset,
	)

	srv.AddTool(
		mcp.NewTool("history",
			mcp.WithDescription("Get the stored turns of a conversation as JSON"),
			mcp.WithString("conversation",
				mcp.Description("Conversation identifier"),
				mcp.Required(),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleHistory,
	)

	srv.AddTool(
		mcp.NewTool("stats",
			mcp.WithDescription("Get engine counters and current concurrency"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleStats,
	)
}

func (s *Server) registerResources(srv *mcpserver.MCPServer) {
	srv.AddResource(
		mcp.NewResource("parley://stats", "Stats",
			mcp.WithResourceDescription("Engine counters and current concurrency"),
			mcp.WithMIMEType("application/json"),
		),
		s.handleResourceStats,
	)
}

// chunkSink collects delivered chunks in order. Each chunk gets a random
// handle so the sent log can recognise it.
type chunkSink struct {
	chunks []string
}

func (c *chunkSink) Send(_ context.Context, chunk string) (reply.Handle, error) {
	c.chunks = append(c.chunks, chunk)
	return reply.Handle{ID: uuid.NewString()}, nil
}

func (s *Server) handleReply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conv, err := request.RequireString("conversation")
	if err != nil || strings.TrimSpace(conv) == "" {
		return mcp.NewToolResultError("missing required argument: conversation"), nil
	}
	text := request.GetString("text", "")
	images := request.GetStringSlice("images", nil)
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return mcp.NewToolResultError("message needs text or at least one image"), nil
	}
	if len(images) > maxImages {
		return mcp.NewToolResultError(fmt.Sprintf("at most %d images per message", maxImages)), nil
	}

	sink := &chunkSink{}
	res, err := s.orch.Reply(ctx, reply.Request{
		ConversationID: conv,
		System:         request.GetString("system", ""),
		User:           assist.UserContent(text, images...),
		Sink:           sink,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reply failed: %v", err)), nil
	}
	s.logger.Debug("mcp reply", "conversation", conv, "chunks", len(res.Chunks), "timed_out", res.TimedOut)

	content := make([]mcp.Content, 0, len(sink.chunks))
	for _, c := range sink.chunks {
		content = append(content, mcp.NewTextContent(c))
	}
	return &mcp.CallToolResult{Content: content}, nil
}

func (s *Server) handleReset(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conv, err := request.RequireString("conversation")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: conversation"), nil
	}
	s.orch.History().Reset(conv)
	return mcp.NewToolResultText(fmt.Sprintf("conversation %s reset", conv)), nil
}

func (s *Server) handleHistory(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conv, err := request.RequireString("conversation")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: conversation"), nil
	}
	turns := s.orch.History().Read(conv)
	if turns == nil {
		turns = []history.Turn{}
	}
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding history: %v", err)), nil
	}
	return mcp.NewToolResultText(truncate(string(data))), nil
}

// statsReport is the JSON returned by the stats tool and resource.
type statsReport struct {
	Engine        engine.Stats `json:"engine"`
	InFlight      int          `json:"in_flight"`
	Limit         int          `json:"limit"`
	Conversations int          `json:"conversations"`
	SentChunks    int          `json:"sent_chunks"`
}

func (s *Server) statsJSON() ([]byte, error) {
	r := statsReport{
		InFlight:      s.orch.Gate().InFlight(),
		Limit:         s.orch.Gate().Limit(),
		Conversations: s.orch.History().Conversations(),
		SentChunks:    s.orch.Sent().Len(),
	}
	if s.stats != nil {
		r.Engine = s.stats()
	}
	return json.MarshalIndent(r, "", "  ")
}

func (s *Server) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := s.statsJSON()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleResourceStats(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := s.statsJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding stats: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// truncate limits output to maxOutputBytes, appending a truncation notice if needed.
func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [truncated: output exceeded 1MB limit]"
}
