// Package mcp exposes the memory store to agents as MCP tools
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/usecase/memory"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MemoryUseCase is the subset of memory operations served over MCP
type MemoryUseCase interface {
	Remember(ctx context.Context, content string, tags []string, importance float64) (*model.Memory, error)
	Recall(ctx context.Context, query string, limit int) ([]*memory.RecallHit, error)
	Status(ctx context.Context) (*memory.Status, error)
}

type Server struct {
	server  *mcp.Server
	memory  MemoryUseCase
	cycleFn func() model.CycleState
}

type Option func(*Server)

// WithCycleState adds the cycle_state tool backed by fn
func WithCycleState(fn func() model.CycleState) Option {
	return func(s *Server) {
		s.cycleFn = fn
	}
}

type rememberParams struct {
	Content    string   `json:"content" jsonschema:"Text of the memory to store"`
	Tags       []string `json:"tags,omitempty" jsonschema:"Topic labels for the memory"`
	Importance *float64 `json:"importance,omitempty" jsonschema:"Importance between 0 and 1, default 0.5"`
}

type recallParams struct {
	Query string `json:"query" jsonschema:"Text to search related memories for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of memories to return, default 5"`
}

type emptyParams struct{}

const defaultImportance = 0.5

func NewServer(uc MemoryUseCase, version string, opts ...Option) *Server {
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "hypnos",
			Version: version,
		}, nil),
		memory: uc,
	}
	for _, opt := range opts {
		opt(s)
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "remember",
		Description: "Store a new memory record",
	}, s.remember)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "recall",
		Description: "Find live memories related to a query",
	}, s.recall)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_status",
		Description: "Report record counts, tag groups and the fragmentation score",
	}, s.status)

	if s.cycleFn != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "cycle_state",
			Description: "Report the consolidation cycle state",
		}, s.cycleState)
	}

	return s
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(raw)},
		},
	}, nil, nil
}

func (s *Server) remember(ctx context.Context, req *mcp.CallToolRequest, params *rememberParams) (*mcp.CallToolResult, any, error) {
	importance := defaultImportance
	if params.Importance != nil {
		importance = *params.Importance
	}

	mem, err := s.memory.Remember(ctx, params.Content, params.Tags, importance)
	if err != nil {
		logging.From(ctx).Warn("remember tool failed", "error", err)
		return nil, nil, err
	}
	return jsonResult(mem)
}

func (s *Server) recall(ctx context.Context, req *mcp.CallToolRequest, params *recallParams) (*mcp.CallToolResult, any, error) {
	hits, err := s.memory.Recall(ctx, params.Query, params.Limit)
	if err != nil {
		logging.From(ctx).Warn("recall tool failed", "error", err)
		return nil, nil, err
	}
	if hits == nil {
		hits = []*memory.RecallHit{}
	}
	return jsonResult(hits)
}

func (s *Server) status(ctx context.Context, req *mcp.CallToolRequest, _ *emptyParams) (*mcp.CallToolResult, any, error) {
	st, err := s.memory.Status(ctx)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(st)
}

func (s *Server) cycleState(ctx context.Context, req *mcp.CallToolRequest, _ *emptyParams) (*mcp.CallToolResult, any, error) {
	return jsonResult(s.cycleFn())
}

// Handler returns the streamable HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// ServeStdio serves a single session over stdin and stdout until ctx is done
// or the peer disconnects
func (s *Server) ServeStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return goerr.Wrap(err, "mcp stdio server failed")
	}
	return nil
}

// ServeHTTP listens on addr until ctx is done
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("mcp server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return goerr.Wrap(err, "mcp http server failed", goerr.V("addr", addr))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shutdown mcp http server")
	}
	return nil
}
