// Package mcpserver exposes the RPC surface (spec §6: status, grep,
// describe, expand, llm_map, agentic_map) as an MCP server over stdio, for
// the host process to call as tools. The teacher only ever runs an MCP
// *client* (internal/mcp/manager.go, connecting out to configured servers);
// this inverts that direction, grounded on the modelcontextprotocol/go-sdk
// server-side usage shown in dohr-michael-ozzie's internal/mcp/server.go
// (mcpsdk.NewServer + server.AddTool + mcpsdk.CallToolResult/TextContent).
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/batalabs/lcm/internal/llm"
	"github.com/batalabs/lcm/internal/opmap"
	"github.com/batalabs/lcm/internal/prompt"
	"github.com/batalabs/lcm/internal/retrieval"
	"github.com/batalabs/lcm/internal/store"
)

// Server wires the Retrieval Tools (§4.G) and the out-of-core map operators
// (§2) to an MCP server instance.
type Server struct {
	Tools *retrieval.Tools
	Store *store.Store
	LLM   llm.Client
	srv   *mcpsdk.Server
}

// New builds a Server. sessionID scopes status, grep, llm_map and
// agentic_map to one agent conversation; describe and expand look ids up
// across the whole store and do not check which session an id belongs to.
func New(st *store.Store, client llm.Client, sessionID string) *Server {
	s := &Server{Tools: retrieval.New(st), Store: st, LLM: client}
	s.srv = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "lcm", Version: "1.0"}, nil)

	s.addTool("status", "Report message/summary counts, token totals, and DAG depth for the session.",
		objectSchema(nil, nil), s.handleStatus(sessionID))

	s.addTool("grep", "Search conversation history by full-text query or regex, grouped by covering summary.",
		objectSchema(map[string]*jsonschema.Schema{
			"query": {Type: "string", Description: "Search query or regex pattern"},
			"mode":  {Type: "string", Enum: []any{"fts", "regex"}, Description: "Search mode (default fts)"},
			"scope": {Type: "string", Enum: []any{"messages", "summaries", "both"}, Description: "Search scope (default both)"},
			"page":  {Type: "string", Description: "Opaque page token from a previous call"},
		}, []string{"query"}), s.handleGrep(sessionID))

	s.addTool("describe", "Return metadata for a message, summary (S-id), or file (F-id).",
		objectSchema(map[string]*jsonschema.Schema{
			"id": {Type: "string", Description: "An integer message id, S<n> summary id, or F<n> file id"},
		}, []string{"id"}), s.handleDescribe())

	s.addTool("expand", "Return the ordered immediate children of a summary id.",
		objectSchema(map[string]*jsonschema.Schema{
			"id": {Type: "string", Description: "A summary id, e.g. S17"},
		}, []string{"id"}), s.handleExpand())

	s.addTool("llm_map", "Apply one LLM call per item of a JSONL input to summarize or classify it.",
		objectSchema(map[string]*jsonschema.Schema{
			"items":  {Type: "array", Items: &jsonschema.Schema{Type: "string"}, Description: "Raw JSON items, one per line"},
			"prompt": {Type: "string", Description: "Instruction applied to every item"},
			"labels": {Type: "array", Items: &jsonschema.Schema{Type: "string"}, Description: "If set, classify each item into one of these labels instead of summarizing"},
		}, []string{"items"}), s.handleLLMMap(sessionID))

	s.addTool("agentic_map", "Run a bounded tool-calling agent once per item of a JSONL input.",
		objectSchema(map[string]*jsonschema.Schema{
			"items":  {Type: "array", Items: &jsonschema.Schema{Type: "string"}, Description: "Raw JSON items, one per line"},
			"system": {Type: "string", Description: "System prompt for the agent loop"},
		}, []string{"items", "system"}), s.handleAgenticMap(sessionID))

	s.registerPrompt()
	return s
}

// Run serves the registered tools over stdio until the transport closes
// (spec §6 "RPC/tool transport layer", out of core; this is the concrete
// stdio binding the host process speaks to).
func (s *Server) Run(ctx context.Context) error {
	return s.srv.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerPrompt exposes the shared system-prompt vocabulary as an MCP
// prompt so the host documents the same verb vocabulary regardless of call
// order (spec §9 supplemented feature).
func (s *Server) registerPrompt() {
	s.srv.AddPrompt(&mcpsdk.Prompt{Name: "lcm-instructions", Description: "LCM tool vocabulary and id scheme"},
		func(ctx context.Context, req *mcpsdk.GetPromptRequest) (*mcpsdk.GetPromptResult, error) {
			return &mcpsdk.GetPromptResult{
				Messages: []*mcpsdk.PromptMessage{
					{Role: "user", Content: &mcpsdk.TextContent{Text: prompt.LCMInstructions}},
				},
			}, nil
		})
}

func objectSchema(props map[string]*jsonschema.Schema, required []string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

type toolHandler func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error)

func (s *Server) addTool(name, description string, schema *jsonschema.Schema, handler toolHandler) {
	s.srv.AddTool(&mcpsdk.Tool{Name: name, Description: description, InputSchema: schema}, mcpsdk.ToolHandler(handler))
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

func errResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{IsError: true, Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}}}
}

func unmarshalArgs(req *mcpsdk.CallToolRequest, dst any) error {
	return json.Unmarshal(req.Params.Arguments, dst)
}

func (s *Server) handleStatus(sessionID string) toolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		result, err := s.Tools.Status(ctx, sessionID)
		if err != nil {
			return errResult(err), nil
		}
		b, _ := json.MarshalIndent(result, "", "  ")
		return textResult(string(b)), nil
	}
}

func (s *Server) handleGrep(sessionID string) toolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Query string `json:"query"`
			Mode  string `json:"mode"`
			Scope string `json:"scope"`
			Page  string `json:"page"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult(err), nil
		}
		scope := store.ScopeBoth
		if args.Scope != "" {
			scope = store.Scope(args.Scope)
		}
		mode := retrieval.ModeFTS
		if args.Mode != "" {
			mode = retrieval.Mode(args.Mode)
		}
		groups, next, err := s.Tools.Grep(ctx, sessionID, args.Query, mode, scope, args.Page)
		if err != nil {
			return errResult(err), nil
		}
		b, _ := json.MarshalIndent(map[string]any{"groups": groups, "next_page": next}, "", "  ")
		return textResult(string(b)), nil
	}
}

func (s *Server) handleDescribe() toolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			ID string `json:"id"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult(err), nil
		}
		result, err := s.Tools.Describe(ctx, args.ID)
		if err != nil {
			return errResult(err), nil
		}
		b, _ := json.MarshalIndent(result, "", "  ")
		return textResult(string(b)), nil
	}
}

func (s *Server) handleExpand() toolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			ID string `json:"id"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult(err), nil
		}
		children, err := s.Tools.Expand(ctx, args.ID)
		if err != nil {
			return errResult(err), nil
		}
		b, _ := json.MarshalIndent(children, "", "  ")
		return textResult(string(b)), nil
	}
}

func (s *Server) handleLLMMap(sessionID string) toolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Items  []string `json:"items"`
			Prompt string   `json:"prompt"`
			Labels []string `json:"labels"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult(err), nil
		}
		if s.LLM == nil {
			return errResult(fmt.Errorf("llm_map: no LLM client configured")), nil
		}
		items := make([]opmap.Item, len(args.Items))
		for i, raw := range args.Items {
			items[i] = opmap.Item{Raw: json.RawMessage(raw)}
		}
		results := opmap.LLMMap(ctx, s.LLM, items, opmap.LLMMapOptions{
			SessionID: sessionID, Prompt: args.Prompt, Labels: args.Labels, MaxTokens: 1024,
		})
		out, err := opmap.StoreResultsIfLarge(ctx, s.Store, sessionID, 0, "llm_map", results)
		if err != nil {
			return errResult(err), nil
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		return textResult(string(b)), nil
	}
}

func (s *Server) handleAgenticMap(sessionID string) toolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Items  []string `json:"items"`
			System string   `json:"system"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult(err), nil
		}
		if s.LLM == nil {
			return errResult(fmt.Errorf("agentic_map: no LLM client configured")), nil
		}
		items := make([]opmap.Item, len(args.Items))
		for i, raw := range args.Items {
			items[i] = opmap.Item{Raw: json.RawMessage(raw)}
		}
		results := opmap.AgenticMap(ctx, s.LLM, items, opmap.AgenticMapOptions{
			SessionID: sessionID, System: args.System, MaxTurns: 6,
		})
		out, err := opmap.StoreResultsIfLarge(ctx, s.Store, sessionID, 0, "agentic_map", results)
		if err != nil {
			return errResult(err), nil
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		return textResult(string(b)), nil
	}
}
