package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/epubviz/kit"
	"github.com/hazyhaar/epubviz/render"
)

// RegisterMCP registers the epubviz tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCompareTool(srv)
	s.registerInvalidateTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

// toolChain is the middleware stack of every epubviz tool.
func (s *Service) toolChain(name string) kit.Middleware {
	return kit.Chain(kit.Logging(s.logger, name), kit.Recover(s.logger))
}

type changeRequest struct {
	JobID       string `json:"job_id"`
	ChangeID    string `json:"change_id"`
	IncludeHTML bool   `json:"include_html,omitempty"`
}

func decodeChange(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r changeRequest
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	if r.JobID == "" || r.ChangeID == "" {
		return nil, fmt.Errorf("job_id and change_id are required")
	}
	return &kit.MCPDecodeResult{
		Request:   &r,
		EnrichCtx: func(ctx context.Context) context.Context { return kit.WithJobID(ctx, r.JobID) },
	}, nil
}

var changeProperties = map[string]any{
	"job_id":    map[string]any{"type": "string", "description": "EPUB audit job ID"},
	"change_id": map[string]any{"type": "string", "description": "Change (remediation) ID within the job"},
}

// --- compare ---

func (s *Service) registerCompareTool(srv *mcp.Server) {
	props := map[string]any{
		"include_html": map[string]any{"type": "boolean", "description": "Include the highlighted HTML documents in the summary (default false)"},
	}
	for k, v := range changeProperties {
		props[k] = v
	}
	tool := &mcp.Tool{
		Name:        "epubviz_compare",
		Description: "Render the before/after versions of an EPUB change with the changed element highlighted. Returns a JSON summary followed by a Markdown rendition of each version.",
		InputSchema: inputSchema(props, []string{"job_id", "change_id"}),
	}

	md := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*changeRequest)
		prev, err := s.Compare(ctx, r.JobID, r.ChangeID)
		if err != nil {
			return nil, err
		}

		var texts []string
		for _, slot := range render.Slots {
			v := prev.Version(slot)
			if v == nil {
				continue
			}
			out, err := md.ConvertString(v.HTML)
			if err != nil {
				s.logger.Warn("viz: markdown conversion", "slot", slot, "error", err)
				continue
			}
			texts = append(texts, "## "+slot.Label()+"\n\n"+strings.TrimSpace(out))
			if !r.IncludeHTML {
				v.HTML = ""
			}
		}

		summary, err := json.Marshal(prev)
		if err != nil {
			return nil, err
		}
		res := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(summary)}}}
		for _, t := range texts {
			res.Content = append(res.Content, &mcp.TextContent{Text: t})
		}
		return res, nil
	}

	kit.RegisterMCPTool(srv, tool, s.toolChain(tool.Name)(endpoint), decodeChange)
}

// --- invalidate ---

func (s *Service) registerInvalidateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "epubviz_invalidate",
		Description: "Drop the cached visual comparison of a change so the next compare fetches it again.",
		InputSchema: inputSchema(changeProperties, []string{"job_id", "change_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*changeRequest)
		if err := s.Invalidate(ctx, r.JobID, r.ChangeID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "invalidated", "job_id": r.JobID, "change_id": r.ChangeID}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.toolChain(tool.Name)(endpoint), decodeChange)
}
