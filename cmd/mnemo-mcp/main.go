// mnemo-mcp exposes the memory graph as MCP tools over stdio: node and edge
// creation, note appends, access tracking, owner bootstrap and semantic
// search. Agents are the intended callers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/embedding"
	"github.com/calder/mnemo/internal/memory"
	"github.com/calder/mnemo/internal/store"
)

type app struct {
	mgr    *memory.Manager
	store  memory.GraphStore
	userID string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	gs, err := store.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Store error: %v\n", err)
		os.Exit(1)
	}
	defer gs.Close()

	client := embedding.NewClient(cfg.OllamaURL, cfg.EmbedModel)
	client.SetGenerationModel(cfg.GenModel)

	a := &app{
		mgr:    memory.NewManager(gs, client, cfg.Tunables),
		store:  gs,
		userID: cfg.DefaultUserID,
	}

	s := server.NewMCPServer(
		"mnemo-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	// Register tools
	s.AddTool(createNodeTool(), a.handleCreateNode)
	s.AddTool(updateNodeTool(), a.handleUpdateNode)
	s.AddTool(createEdgeTool(), a.handleCreateEdge)
	s.AddTool(updateEdgeTool(), a.handleUpdateEdge)
	s.AddTool(addNoteTool(), a.handleAddNote)
	s.AddTool(recordAccessTool(), a.handleRecordAccess)
	s.AddTool(findOrCreateOwnerTool(), a.handleFindOrCreateOwner)
	s.AddTool(searchMemoryTool(), a.handleSearchMemory)

	// Run server
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func createNodeTool() mcp.Tool {
	return mcp.NewTool("create_node",
		mcp.WithDescription("Create a node in the memory graph. Kinds: person, concept, entity, source, artifact. Concept/entity keys are derived from the name, so creating the same name twice is a conflict - use update_node instead."),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Node kind: person, concept, entity, source, or artifact"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name, e.g. 'Ada Lovelace' or 'analytical engine'"),
		),
		mcp.WithString("description",
			mcp.Description("Synthesized description of the node"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Extraction confidence in [0,1]. Default: 0.5"),
		),
		mcp.WithString("ttl_policy",
			mcp.Description("Governance override: keep_forever, decay, or ephemeral. Default: decay (ephemeral for source/artifact)"),
		),
		mcp.WithString("source_ref",
			mcp.Description("Entity key of the Source node this came from; records a mention"),
		),
		mcp.WithString("note",
			mcp.Description("Optional initial journal note"),
		),
		mcp.WithString("note_lifetime",
			mcp.Description("Lifetime of the initial note: week, month, year, or forever. Default: month"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owning user. Default: configured user"),
		),
	)
}

func (a *app) handleCreateNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	confidence := 0.5
	if c, ok := args["confidence"].(float64); ok {
		confidence = c
	}
	r := memory.CreateNodeRequest{
		Kind:        memory.Kind(strArg(args, "kind")),
		UserID:      a.user(args),
		Name:        strArg(args, "name"),
		Description: strArg(args, "description"),
		Confidence:  confidence,
		TTLPolicy:   memory.TTLPolicy(strArg(args, "ttl_policy")),
		SourceRef:   strArg(args, "source_ref"),
	}
	if r.LastUpdateSource == "" && r.SourceRef == "" {
		r.LastUpdateSource = "mcp"
	}
	if note := strArg(args, "note"); note != "" {
		r.Notes = []memory.NoteInput{noteInput(args, note)}
	}
	rec, err := a.mgr.CreateNode(ctx, r)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create_node failed: %v", err)), nil
	}
	return jsonResult(rec)
}

func updateNodeTool() mcp.Tool {
	return mcp.NewTool("update_node",
		mcp.WithDescription("Partially update an existing node. Omitted fields are preserved. Only person nodes may be renamed."),
		mcp.WithString("entity_key",
			mcp.Required(),
			mcp.Description("Key of the node to update"),
		),
		mcp.WithString("name",
			mcp.Description("New display name (person nodes only)"),
		),
		mcp.WithString("description",
			mcp.Description("Replacement description"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("New confidence in [0,1]"),
		),
		mcp.WithString("ttl_policy",
			mcp.Description("New governance policy: keep_forever, decay, or ephemeral"),
		),
		mcp.WithString("source_ref",
			mcp.Description("Entity key of the Source node this update came from"),
		),
	)
}

func (a *app) handleUpdateNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	key := strArg(args, "entity_key")
	if key == "" {
		return mcp.NewToolResultError("entity_key is required"), nil
	}
	var r memory.UpdateNodeRequest
	if v, ok := args["name"].(string); ok && v != "" {
		r.Name = &v
	}
	if v, ok := args["description"].(string); ok && v != "" {
		r.Description = &v
	}
	if v, ok := args["confidence"].(float64); ok {
		r.Confidence = &v
	}
	if v, ok := args["ttl_policy"].(string); ok && v != "" {
		p := memory.TTLPolicy(v)
		r.TTLPolicy = &p
	}
	r.SourceRef = strArg(args, "source_ref")
	if r.SourceRef == "" {
		r.LastUpdateSource = "mcp"
	}
	rec, err := a.mgr.UpdateNode(ctx, key, r)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update_node failed: %v", err)), nil
	}
	return jsonResult(rec)
}

func createEdgeTool() mcp.Tool {
	return mcp.NewTool("create_edge",
		mcp.WithDescription("Create or merge a relationship between two existing nodes. Direction and storage type are derived from the endpoint kinds; parallel calls for the same pair merge into one edge."),
		mcp.WithString("from_key",
			mcp.Required(),
			mcp.Description("Source node key (in your semantic direction)"),
		),
		mcp.WithString("to_key",
			mcp.Required(),
			mcp.Description("Target node key"),
		),
		mcp.WithString("relationship_type",
			mcp.Required(),
			mcp.Description("Free-text relationship descriptor, e.g. 'mentor'"),
		),
		mcp.WithString("direction",
			mcp.Description("outgoing (default) or incoming"),
		),
		mcp.WithNumber("attitude",
			mcp.Required(),
			mcp.Description("Attitude score 1-5"),
		),
		mcp.WithNumber("proximity",
			mcp.Required(),
			mcp.Description("Proximity score 1-5"),
		),
		mcp.WithString("reasoning",
			mcp.Description("Why this relationship was inferred"),
		),
		mcp.WithString("description",
			mcp.Description("Free-text relationship description"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Extraction confidence in [0,1]. Default: 0.5"),
		),
	)
}

func (a *app) handleCreateEdge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	confidence := 0.5
	if c, ok := args["confidence"].(float64); ok {
		confidence = c
	}
	attitude, _ := args["attitude"].(float64)
	proximity, _ := args["proximity"].(float64)
	result, err := a.mgr.CreateEdge(ctx, memory.CreateEdgeRequest{
		FromKey:          strArg(args, "from_key"),
		ToKey:            strArg(args, "to_key"),
		Direction:        memory.Direction(strArg(args, "direction")),
		RelationshipType: strArg(args, "relationship_type"),
		Attitude:         int(attitude),
		Proximity:        int(proximity),
		Reasoning:        strArg(args, "reasoning"),
		Description:      strArg(args, "description"),
		Confidence:       confidence,
		LastUpdateSource: "mcp",
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create_edge failed: %v", err)), nil
	}
	return jsonResult(result)
}

func updateEdgeTool() mcp.Tool {
	return mcp.NewTool("update_edge",
		mcp.WithDescription("Append a note to an existing relationship. Strictly additive: attitude and proximity are immutable here. The edge is found in either direction."),
		mcp.WithString("from_key",
			mcp.Required(),
			mcp.Description("One endpoint node key"),
		),
		mcp.WithString("to_key",
			mcp.Required(),
			mcp.Description("The other endpoint node key"),
		),
		mcp.WithString("note",
			mcp.Required(),
			mcp.Description("Journal note to append"),
		),
		mcp.WithString("note_lifetime",
			mcp.Description("Note lifetime: week, month, year, or forever. Default: month"),
		),
		mcp.WithString("added_by",
			mcp.Description("Agent or user appending the note. Default: mcp"),
		),
	)
}

func (a *app) handleUpdateEdge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	fromKey := strArg(args, "from_key")
	toKey := strArg(args, "to_key")
	note := strArg(args, "note")
	if fromKey == "" || toKey == "" || note == "" {
		return mcp.NewToolResultError("from_key, to_key and note are required"), nil
	}

	// The storage type follows from the endpoint kinds.
	src, err := a.store.GetNode(ctx, fromKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unknown node %s", fromKey)), nil
	}
	dst, err := a.store.GetNode(ctx, toKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unknown node %s", toKey)), nil
	}
	ct, _, err := memory.CanonicalType(src.Kind, dst.Kind)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update_edge failed: %v", err)), nil
	}

	edge, err := a.mgr.UpdateEdge(ctx, fromKey, toKey, ct, []memory.NoteInput{noteInput(args, note)})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update_edge failed: %v", err)), nil
	}
	return jsonResult(edge)
}

func addNoteTool() mcp.Tool {
	return mcp.NewTool("add_note",
		mcp.WithDescription("Append a journal note to a node. Notes are append-only and expire by lifetime; the nightly pass folds them into the description."),
		mcp.WithString("entity_key",
			mcp.Required(),
			mcp.Description("Key of the node to annotate"),
		),
		mcp.WithString("note",
			mcp.Required(),
			mcp.Description("Note content"),
		),
		mcp.WithString("note_lifetime",
			mcp.Description("week, month, year, or forever. Default: month"),
		),
		mcp.WithString("added_by",
			mcp.Description("Agent or user appending the note. Default: mcp"),
		),
		mcp.WithString("source_ref",
			mcp.Description("Entity key of the Source node the note came from"),
		),
	)
}

func (a *app) handleAddNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	key := strArg(args, "entity_key")
	content := strArg(args, "note")
	if key == "" || content == "" {
		return mcp.NewToolResultError("entity_key and note are required"), nil
	}
	in := noteInput(args, content)
	in.SourceEntityKey = strArg(args, "source_ref")
	note, err := a.mgr.AddNote(ctx, key, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add_note failed: %v", err)), nil
	}
	return jsonResult(note)
}

func recordAccessTool() mcp.Tool {
	return mcp.NewTool("record_access",
		mcp.WithDescription("Record a retrieval event on one or more nodes: bumps access counters, boosts salience and advances lifecycle state. Unknown keys are skipped."),
		mcp.WithString("entity_keys",
			mcp.Required(),
			mcp.Description("Comma-separated node keys that were retrieved"),
		),
	)
}

func (a *app) handleRecordAccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	keys := splitKeys(strArg(args, "entity_keys"))
	if len(keys) == 0 {
		return mcp.NewToolResultError("entity_keys is required"), nil
	}
	updated, err := a.mgr.BatchIncrementAccess(ctx, keys)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("record_access failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recorded access on %d of %d nodes", updated, len(keys))), nil
}

func findOrCreateOwnerTool() mcp.Tool {
	return mcp.NewTool("find_or_create_owner",
		mcp.WithDescription("Return the user's owner person node, creating it if absent. The owner never decays."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Owner's display name"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owning user. Default: configured user"),
		),
	)
}

func (a *app) handleFindOrCreateOwner(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	owner, err := a.mgr.FindOrCreateOwner(ctx, a.user(args), strArg(args, "name"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("find_or_create_owner failed: %v", err)), nil
	}
	return jsonResult(owner)
}

func searchMemoryTool() mcp.Tool {
	return mcp.NewTool("search_memory",
		mcp.WithDescription("Semantic search over non-archived memories. Each hit counts as a retrieval and reinforces the memory."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language query"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum hits to return. Default: 10"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owning user. Default: configured user"),
		),
	)
}

func (a *app) handleSearchMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	query := strArg(args, "query")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	hits, err := a.mgr.Recall(ctx, a.user(args), query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search_memory failed: %v", err)), nil
	}
	return jsonResult(hits)
}

// --- helpers ---

func (a *app) user(args map[string]any) string {
	if u := strArg(args, "user_id"); u != "" {
		return u
	}
	return a.userID
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func noteInput(args map[string]any, content string) memory.NoteInput {
	lifetime := memory.Lifetime(strArg(args, "note_lifetime"))
	if lifetime == "" {
		lifetime = memory.LifetimeMonth
	}
	addedBy := strArg(args, "added_by")
	if addedBy == "" {
		addedBy = "mcp"
	}
	return memory.NoteInput{Content: content, AddedBy: addedBy, Lifetime: lifetime}
}

func splitKeys(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
