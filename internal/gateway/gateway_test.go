package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/gateway"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/tools"
)

const testToken = "gateway-test-token"

type env struct {
	ts    *httptest.Server
	store *persistence.Store
	bus   *bus.Bus
}

func newEnv(t *testing.T, mutate ...func(*gateway.Config)) *env {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawtask.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	helper := engine.AgentFunc(func(context.Context, string) (engine.InvokeResult, error) {
		return engine.InvokeResult{Status: engine.InvokeSuccess, Content: "FINAL: ok"}, nil
	})
	eng, err := engine.New(engine.Options{
		Store:   store,
		Agents:  map[string]engine.Agent{"helper": helper},
		Emitter: b,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cat, err := tools.NewCatalog(engine.NewService(eng), "gateway")
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	cfg := gateway.Config{
		Store:     store,
		Catalog:   cat,
		Bus:       b,
		Engine:    eng,
		AuthToken: testToken,
		Logger:    logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, store: store, bus: b}
}

func (e *env) do(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) submit(t *testing.T, goal string) string {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/api/tools/submit_task", testToken,
		`{"goal": "`+goal+`", "agent_id": "helper"}`)
	if code != http.StatusOK {
		t.Fatalf("submit: %d %v", code, out)
	}
	return out["task_id"].(string)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	e.submit(t, "count me")

	code, out := e.do(t, http.MethodGet, "/healthz", "", "")
	if code != http.StatusOK || out["healthy"] != true || out["db_ok"] != true {
		t.Fatalf("unexpected health %d %v", code, out)
	}
	counts, ok := out["tasks"].(map[string]any)
	if !ok || counts["pending"] != float64(1) {
		t.Fatalf("expected one pending task in counts, got %v", out["tasks"])
	}
	if _, ok := out["engine"].(map[string]any); !ok {
		t.Fatalf("engine status missing: %v", out)
	}
}

func TestHealthz_DBDown(t *testing.T) {
	e := newEnv(t)
	_ = e.store.Close()
	code, out := e.do(t, http.MethodGet, "/healthz", "", "")
	if code != http.StatusServiceUnavailable || out["healthy"] != false {
		t.Fatalf("expected 503 when the store is closed, got %d %v", code, out)
	}
}

func TestAuth(t *testing.T) {
	e := newEnv(t)
	if code, _ := e.do(t, http.MethodGet, "/api/tasks", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/tasks", "wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/tasks", testToken, ""); code != http.StatusOK {
		t.Fatalf("valid token: %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/tasks?access_token="+testToken, "", ""); code != http.StatusOK {
		t.Fatalf("query token: %d", code)
	}
}

func TestAuth_EmptyTokenRejectsEverything(t *testing.T) {
	e := newEnv(t, func(c *gateway.Config) { c.AuthToken = "" })
	if code, _ := e.do(t, http.MethodGet, "/api/tasks", "anything", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a configured token, got %d", code)
	}
}

func TestAPI_ToolsAndTasks(t *testing.T) {
	e := newEnv(t)

	code, out := e.do(t, http.MethodGet, "/api/tools", testToken, "")
	if code != http.StatusOK || len(out["tools"].([]any)) != 6 {
		t.Fatalf("tools: %d %v", code, out)
	}

	id := e.submit(t, "status me")
	code, out = e.do(t, http.MethodGet, "/api/tasks/"+id, testToken, "")
	task, _ := out["task"].(map[string]any)
	if code != http.StatusOK || task["task_id"] != id || task["status"] != "pending" {
		t.Fatalf("status: %d %v", code, out)
	}

	code, out = e.do(t, http.MethodGet, "/api/tasks", testToken, "")
	if code != http.StatusOK || out["count"] != float64(1) {
		t.Fatalf("list: %d %v", code, out)
	}

	cases := []struct {
		path string
		body string
		want int
		code float64
	}{
		{"/api/tools/submit_task", `{"goal": 3}`, http.StatusBadRequest, gateway.ErrCodeInvalidParams},
		{"/api/tools/submit_task", `{"goal": "x", "agent_id": "ghost"}`, http.StatusUnprocessableEntity, gateway.ErrCodeRejected},
		{"/api/tools/get_task_status", `{"task_id": "missing"}`, http.StatusNotFound, gateway.ErrCodeNotFound},
		{"/api/tools/respond_to_review", `{"task_id": "` + id + `", "response": "yes"}`, http.StatusConflict, gateway.ErrCodeConflict},
		{"/api/tools/format_disk", `{}`, http.StatusNotFound, gateway.ErrCodeMethodNotFound},
	}
	for _, tc := range cases {
		code, out := e.do(t, http.MethodPost, tc.path, testToken, tc.body)
		if code != tc.want || out["code"] != tc.code {
			t.Fatalf("%s %s: got %d %v, want %d", tc.path, tc.body, code, out, tc.want)
		}
	}
}

type rpcMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func dial(t *testing.T, e *env) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.ts.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, id any, method string, params any) {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		req["id"] = id
	}
	if params != nil {
		req["params"] = params
	}
	if err := wsjson.Write(context.Background(), conn, req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
}

func read(t *testing.T, conn *websocket.Conn) rpcMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg rpcMsg
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readResponse skips notifications until the response with id arrives.
func readResponse(t *testing.T, conn *websocket.Conn, id float64) rpcMsg {
	t.Helper()
	for {
		msg := read(t, conn)
		if msg.Method == "" && msg.ID == id {
			return msg
		}
	}
}

func TestWS_RejectsWithoutToken(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatalf("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestWS_ToolCalls(t *testing.T) {
	e := newEnv(t)
	conn := dial(t, e)

	send(t, conn, 1, "tools.list", nil)
	msg := readResponse(t, conn, 1)
	var list struct {
		Tools []tools.Definition `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &list); err != nil || len(list.Tools) != 6 {
		t.Fatalf("tools.list: %s %v", msg.Result, err)
	}

	send(t, conn, 2, "submit_task", map[string]any{"goal": "via rpc", "agent_id": "helper"})
	msg = readResponse(t, conn, 2)
	var sub engine.SubmitResult
	if err := json.Unmarshal(msg.Result, &sub); err != nil || sub.TaskID == "" {
		t.Fatalf("submit_task: %s %+v", msg.Result, msg.Error)
	}

	send(t, conn, 3, "tools.call", map[string]any{"name": "get_task_status", "arguments": map[string]any{"task_id": sub.TaskID}})
	msg = readResponse(t, conn, 3)
	if msg.Error != nil || !strings.Contains(string(msg.Result), `"goal":"via rpc"`) {
		t.Fatalf("tools.call: %s %+v", msg.Result, msg.Error)
	}

	// A notification gets no reply; the next request still does.
	send(t, conn, nil, "list_active_tasks", nil)
	send(t, conn, 4, "nope.method", nil)
	msg = readResponse(t, conn, 4)
	if msg.Error == nil || msg.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", msg)
	}

	if err := wsjson.Write(context.Background(), conn, map[string]any{"jsonrpc": "1.0", "id": 5, "method": "tools.list"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readResponse(t, conn, 5)
	if msg.Error == nil || msg.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", msg)
	}

	send(t, conn, 6, "cancel_task", map[string]any{"task_id": 42})
	msg = readResponse(t, conn, 6)
	if msg.Error == nil || msg.Error.Code != gateway.ErrCodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", msg)
	}
}

func TestWS_SubscribeForwardsTaskEvents(t *testing.T) {
	e := newEnv(t)
	conn := dial(t, e)

	send(t, conn, 1, "tasks.subscribe", nil)
	readResponse(t, conn, 1)

	send(t, conn, 2, "submit_task", map[string]any{"goal": "watch me", "agent_id": "helper"})
	var gotResponse, gotEvent bool
	for !gotResponse || !gotEvent {
		msg := read(t, conn)
		switch {
		case msg.Method == "task.event":
			var ev struct {
				Topic  string `json:"topic"`
				TaskID string `json:"task_id"`
			}
			_ = json.Unmarshal(msg.Params, &ev)
			if ev.Topic == bus.TopicTaskSubmitted && ev.TaskID != "" {
				gotEvent = true
			}
		case msg.ID == float64(2):
			gotResponse = true
		}
	}

	// Narrow to one task: events for others are dropped.
	send(t, conn, 3, "tasks.subscribe", map[string]any{"task_ids": []string{"wanted"}})
	readResponse(t, conn, 3)
	e.bus.Publish(bus.TopicTaskProgress, bus.TaskProgressEvent{TaskID: "other", Step: 1})
	e.bus.Publish(bus.TopicTaskProgress, bus.TaskProgressEvent{TaskID: "wanted", Step: 2})
	msg := read(t, conn)
	if msg.Method != "task.event" || !strings.Contains(string(msg.Params), `"task_id":"wanted"`) {
		t.Fatalf("expected only the wanted task's event, got %s", msg.Params)
	}

	send(t, conn, 4, "tasks.unsubscribe", nil)
	readResponse(t, conn, 4)
}

func TestTaskStream(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, "stream me")

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/api/tasks/"+id+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected stream response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	e.bus.Publish(bus.TopicTaskProgress, bus.TaskProgressEvent{TaskID: "someone-else", Step: 9})
	e.bus.Publish(bus.TopicTaskProgress, bus.TaskProgressEvent{TaskID: id, Step: 1})
	e.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: id, Status: "done"})

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if ev, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, ev)
		}
	}
	if len(events) != 2 || events[0] != bus.TopicTaskProgress || events[1] != bus.TopicTaskCompleted {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestTaskStream_TerminalSnapshotAndNotFound(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, "cancel me")
	if _, err := e.store.CancelTask(context.Background(), id, "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/api/tasks/"+id+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "event: task.snapshot") || !strings.Contains(string(body), `"status":"cancelled"`) {
		t.Fatalf("expected a terminal snapshot, got %q", body)
	}

	if code, _ := e.do(t, http.MethodGet, "/api/tasks/missing/events", testToken, ""); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", code)
	}
}
