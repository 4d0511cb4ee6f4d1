package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/tools"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Application errors.
	ErrCodeRejected = 1000
	ErrCodeNotFound = 1404
	ErrCodeConflict = 1409
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// taskEvent is the params object of a task.event notification.
type taskEvent struct {
	Topic   string `json:"topic"`
	TaskID  string `json:"task_id"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu   sync.Mutex
	filter  map[string]struct{}
	all     bool // no task filter given
	busSub  *bus.Subscription
	stopSub context.CancelFunc
}

// classify maps an operation error to a JSON-RPC code and HTTP status.
func classify(err error) (int, int) {
	var argErr *tools.ArgumentError
	var stateErr *persistence.StateError
	switch {
	case errors.As(err, &argErr):
		return ErrCodeInvalidParams, http.StatusBadRequest
	case errors.Is(err, tools.ErrUnknownTool):
		return ErrCodeMethodNotFound, http.StatusNotFound
	case errors.Is(err, persistence.ErrNotFound):
		return ErrCodeNotFound, http.StatusNotFound
	case errors.As(err, &stateErr):
		return ErrCodeConflict, http.StatusConflict
	case errors.Is(err, engine.ErrEmptyGoal),
		errors.Is(err, engine.ErrUnknownAgent),
		errors.Is(err, persistence.ErrDepthExceeded):
		return ErrCodeRejected, http.StatusUnprocessableEntity
	default:
		return ErrCodeInternal, http.StatusInternalServerError
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		var req rpcRequest
		var resp *rpcResponse
		if err := json.Unmarshal(raw, &req); err != nil {
			resp = &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: ErrCodeParse, Message: "parse error"}}
		} else {
			resp = s.handleRPC(shared.WithScope(ctx, shared.Scope{TraceID: shared.NewID()}), c, req)
		}
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Warn("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	var result any
	var err error

	switch req.Method {
	case "tools.list":
		result = map[string]any{"tools": s.cfg.Catalog.Definitions()}
	case "tools.call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if uerr := json.Unmarshal(req.Params, &p); uerr != nil || p.Name == "" {
			err = &tools.ArgumentError{Tool: "tools.call", Message: "params must be {name, arguments}"}
			break
		}
		result, err = s.invoke(ctx, "tools.call "+p.Name, p.Name, p.Arguments)
	case "tasks.subscribe":
		var p struct {
			TaskIDs []string `json:"task_ids"`
		}
		if len(req.Params) > 0 {
			if uerr := json.Unmarshal(req.Params, &p); uerr != nil {
				err = &tools.ArgumentError{Tool: req.Method, Message: "params must be {task_ids}"}
				break
			}
		}
		if s.cfg.Bus == nil {
			err = errors.New("event bus not configured")
			break
		}
		s.subscribe(c, p.TaskIDs)
		result = map[string]any{"subscribed": true, "task_ids": p.TaskIDs}
	case "tasks.unsubscribe":
		s.unsubscribe(c)
		result = map[string]any{"subscribed": false}
	default:
		if !s.cfg.Catalog.Has(req.Method) {
			err = tools.ErrUnknownTool
			break
		}
		result, err = s.invoke(ctx, req.Method, req.Method, req.Params)
	}

	if !hasID {
		return nil
	}
	if err != nil {
		code, _ := classify(err)
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: err.Error()}}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.unsubscribe(c)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// subscribe sets the client's task filter, replacing any earlier one, and
// starts forwarding on the first call.
func (s *Server) subscribe(c *client, taskIDs []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.filter = make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		if id = strings.TrimSpace(id); id != "" {
			c.filter[id] = struct{}{}
		}
	}
	c.all = len(c.filter) == 0

	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("task.")
		var ctx context.Context
		ctx, c.stopSub = context.WithCancel(context.Background())
		go s.forwardBusEvents(ctx, c, c.busSub)
	}
}

func (s *Server) unsubscribe(c *client) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.stopSub != nil {
		c.stopSub()
		c.stopSub = nil
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.busSub = nil
}

func (c *client) wants(taskID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.filter[taskID]
	return ok
}

// forwardBusEvents pushes task lifecycle events to the client as
// task.event notifications.
func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			taskID := bus.TaskIDOf(ev.Payload)
			if taskID == "" || !c.wants(taskID) {
				continue
			}
			err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "task.event",
				Params:  taskEvent{Topic: ev.Topic, TaskID: taskID, Payload: ev.Payload},
			})
			if err != nil && ctx.Err() == nil {
				s.logger.Debug("ws: event write failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}
