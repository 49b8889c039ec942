// CLAUDE:SUMMARY Registers the batch MCP tools: start, stop, progress, checkpoints.
package batch

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/taxpull/kit"
)

// RegisterMCP registers the run control tools on an MCP server.
func (c *Controller) RegisterMCP(srv *mcp.Server) {
	c.registerStartTool(srv)
	c.registerStopTool(srv)
	c.registerProgressTool(srv)
	c.registerCheckpointsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (c *Controller) registerStartTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "taxpull_start",
		Description: "Start an extraction run over the entity queue. Returns immediately with the run id and entity count.",
		InputSchema: inputSchema(map[string]any{
			"entityIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Restrict the run to these entities (default: all active)"},
			"params":    map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}, "description": "Parameters applied to every entity (period, date range)"},
			"resume":    map[string]any{"type": "boolean", "description": "Skip entities already completed"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return c.Start(ctx, req.(StartRequest))
	}
	kit.RegisterMCPTool(srv, tool, kit.Chain(kit.Logging(c.logger, "taxpull_start"))(endpoint), kit.DecodeArgs[StartRequest])
}

type stopResponse struct {
	Status string `json:"status"`
}

func (c *Controller) registerStopTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "taxpull_stop",
		Description: "Request a cooperative stop. The in-flight entity finishes its current step and is marked stopped.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		if c.Stop() {
			return stopResponse{Status: "stopping"}, nil
		}
		return stopResponse{Status: "idle"}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeArgs[struct{}])
}

func (c *Controller) registerProgressTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "taxpull_progress",
		Description: "Current run state, overall percentage and the checkpoint of the entity in progress.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return c.Progress(ctx), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeArgs[struct{}])
}

type checkpointsRequest struct {
	EntityID string `json:"entityId,omitempty"`
	History  bool   `json:"history,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (c *Controller) registerCheckpointsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "taxpull_checkpoints",
		Description: "List current checkpoints, or one entity's checkpoint and optionally its history.",
		InputSchema: inputSchema(map[string]any{
			"entityId": map[string]any{"type": "string", "description": "Entity to read (default: all)"},
			"history":  map[string]any{"type": "boolean", "description": "Return the entity's history instead of its current checkpoint"},
			"limit":    map[string]any{"type": "integer", "description": "Max history rows (default 100)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(checkpointsRequest)
		if r.EntityID == "" {
			return c.store.QueryCurrent(ctx)
		}
		if r.History {
			return c.store.History(ctx, r.EntityID, r.Limit)
		}
		return c.store.Get(ctx, r.EntityID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeArgs[checkpointsRequest])
}
