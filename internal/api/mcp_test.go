package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *countingSyncer) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q, err := queue.Open(store)
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	syncer := &countingSyncer{}
	return MCPDeps{
		Queue:   q,
		Monitor: staticMonitor(false),
		Sync:    syncer,
	}, syncer
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPServer_Builds(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_SyncStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deadLetter(t, deps.Queue)
	deps.Queue.Enqueue(queue.KindCreateIssue, json.RawMessage(`{}`))

	result, err := mcpSyncStatus(deps)(context.Background(), makeCallToolRequest("sync_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var st StatusResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if st != (StatusResponse{Online: false, Pending: 1, DeadLetters: 1}) {
		t.Errorf("status = %+v", st)
	}
}

func TestMCPTool_ListDeadLetters(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	id := deadLetter(t, deps.Queue)

	result, err := mcpListDeadLetters(deps)(context.Background(), makeCallToolRequest("list_dead_letters", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []deadLetterSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(got))
	}
	if got[0].ID != id || got[0].Reason != "rejected" || got[0].Class != "permanent" || got[0].Status != 422 {
		t.Errorf("summary = %+v", got[0])
	}
}

func TestMCPTool_ListDeadLetters_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpListDeadLetters(deps)(context.Background(), makeCallToolRequest("list_dead_letters", nil))
	if text := toolText(t, result); text != "[]" {
		t.Errorf("expected empty array, got %s", text)
	}
}

func TestMCPTool_RetryDeadLetter(t *testing.T) {
	deps, syncer := newTestMCPDeps(t)
	id := deadLetter(t, deps.Queue)

	result, err := mcpRetryDeadLetter(deps)(context.Background(), makeCallToolRequest("retry_dead_letter", map[string]interface{}{"id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if st := deps.Queue.Stats(); st.Pending != 1 || st.DeadLetter != 0 {
		t.Errorf("stats after retry = %+v", st)
	}
	if syncer.n.Load() != 1 {
		t.Errorf("Trigger calls = %d, want 1", syncer.n.Load())
	}
}

func TestMCPTool_RetryDeadLetter_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	live, _ := deps.Queue.Enqueue(queue.KindCreateIssue, json.RawMessage(`{}`))
	handler := mcpRetryDeadLetter(deps)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing id", map[string]interface{}{}, "id is required"},
		{"unknown id", map[string]interface{}{"id": "nope"}, "not found"},
		{"pending mutation", map[string]interface{}{"id": live}, "not a dead letter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("retry_dead_letter", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected tool error")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want it to contain %q", text, tt.want)
			}
		})
	}
}

func TestMCPTool_DiscardDeadLetter(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	id := deadLetter(t, deps.Queue)
	live, _ := deps.Queue.Enqueue(queue.KindCreateIssue, json.RawMessage(`{}`))
	handler := mcpDiscardDeadLetter(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("discard_dead_letter", map[string]interface{}{"id": live}))
	if !result.IsError {
		t.Error("discarding a pending mutation should fail")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("discard_dead_letter", map[string]interface{}{"id": id}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if _, err := deps.Queue.Get(id); err == nil {
		t.Error("dead letter still present after discard")
	}
	if deps.Queue.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", deps.Queue.PendingCount())
	}
}

func TestMCPResource_Queue(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deadLetter(t, deps.Queue)
	deps.Queue.Enqueue(queue.KindCreateTraining, json.RawMessage(`{"title":"Fall arrest"}`))

	contents, err := mcpResourceQueue(deps)(context.Background(), makeReadResourceRequest("fieldsync://queue"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "fieldsync://queue" {
		t.Errorf("URI = %q", tc.URI)
	}

	var views []MutationView
	if err := json.Unmarshal([]byte(tc.Text), &views); err != nil {
		t.Fatalf("failed to parse queue JSON: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 mutations, got %d", len(views))
	}
	if views[0].Status != queue.StatusDeadLetter || views[1].Status != queue.StatusPending {
		t.Errorf("statuses = %s, %s", views[0].Status, views[1].Status)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var ids []string
	for range 5 {
		ids = append(ids, deadLetter(t, deps.Queue))
	}

	retry := mcpRetryDeadLetter(deps)
	status := mcpSyncStatus(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := retry(context.Background(), makeCallToolRequest("retry_dead_letter", map[string]interface{}{"id": id})); err != nil {
				errs <- err
			}
		}()
	}
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := status(context.Background(), makeCallToolRequest("sync_status", nil)); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
	if st := deps.Queue.Stats(); st.Pending != 5 {
		t.Errorf("Pending = %d, want 5", st.Pending)
	}
}
