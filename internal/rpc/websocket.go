package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// Subscription kinds accepted by eth_subscribe.
const (
	subNewHeads = "newHeads"
	subLogs     = "logs"
	subSteps    = "simchainSteps"
)

// WSSubscriptionManager manages WebSocket connections and subscriptions.
type WSSubscriptionManager struct {
	mu          sync.RWMutex
	subscribers map[uint64]*wsSubscription
	nextID      atomic.Uint64
	handler     *Handler
	logger      log.Logger
	upgrader    websocket.Upgrader
}

// wsConn serialises writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type wsSubscription struct {
	id      uint64
	conn    *wsConn
	subType string
	filter  logFilterArgs
	closed  atomic.Bool
}

// NewWSSubscriptionManager creates a new WebSocket subscription manager.
func NewWSSubscriptionManager(handler *Handler) *WSSubscriptionManager {
	return &WSSubscriptionManager{
		subscribers: make(map[uint64]*wsSubscription),
		handler:     handler,
		logger:      log.New("module", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // local simulator
			},
		},
	}
}

// Run forwards mined blocks and opcode steps to subscribers until ctx is
// cancelled.
func (m *WSSubscriptionManager) Run(ctx context.Context) {
	blocks := make(chan *insoTypes.BlockResult, 16)
	blockSub := m.handler.miner.SubscribeBlocks(blocks)
	defer blockSub.Unsubscribe()

	steps := make(chan insoTypes.StepEvent, 256)
	stepSub := m.handler.miner.SubscribeSteps(steps)
	defer stepSub.Unsubscribe()

	for {
		select {
		case res := <-blocks:
			m.BroadcastBlock(res)
		case ev := <-steps:
			m.broadcast(subSteps, func(*wsSubscription) []interface{} {
				return []interface{}{ev}
			})
		case err := <-blockSub.Err():
			if err != nil {
				m.logger.Warn("Block subscription failed", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleWS upgrades an HTTP connection to WebSocket and manages subscriptions.
func (m *WSSubscriptionManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("WebSocket upgrade failed", "err", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}
	defer m.cleanupConn(conn)

	m.logger.Debug("WebSocket connection established", "remote", r.RemoteAddr)

	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("WebSocket read error", "err", err)
			}
			return
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			m.writeWSError(conn, nil, -32700, "parse error")
			continue
		}

		switch req.Method {
		case "eth_subscribe":
			m.handleSubscribe(conn, &req)
		case "eth_unsubscribe":
			m.handleUnsubscribe(conn, &req)
		default:
			resp := m.handler.Handle(r.Context(), &req)
			m.writeWSResponse(conn, resp)
		}
	}
}

// handleSubscribe processes an eth_subscribe request.
func (m *WSSubscriptionManager) handleSubscribe(conn *wsConn, req *JSONRPCRequest) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		m.writeWSError(conn, req.ID, -32602, "invalid subscription type")
		return
	}

	var subType string
	if err := json.Unmarshal(params[0], &subType); err != nil {
		m.writeWSError(conn, req.ID, -32602, "invalid subscription type")
		return
	}

	sub := &wsSubscription{conn: conn, subType: subType}
	switch subType {
	case subNewHeads, subSteps:
	case subLogs:
		if len(params) > 1 {
			if err := json.Unmarshal(params[1], &sub.filter); err != nil {
				m.writeWSError(conn, req.ID, -32602, "invalid log filter")
				return
			}
		}
	default:
		m.writeWSError(conn, req.ID, -32602, fmt.Sprintf("unsupported subscription type: %s", subType))
		return
	}
	sub.id = m.nextID.Add(1)

	m.mu.Lock()
	m.subscribers[sub.id] = sub
	m.mu.Unlock()
	m.updateStepEvents()

	m.logger.Debug("New subscription", "id", sub.id, "type", subType, "remote", conn.conn.RemoteAddr())
	m.writeResult(conn, req.ID, hexutil.Uint64(sub.id))
}

// handleUnsubscribe processes an eth_unsubscribe request.
func (m *WSSubscriptionManager) handleUnsubscribe(conn *wsConn, req *JSONRPCRequest) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		m.writeWSError(conn, req.ID, -32602, "missing subscription id")
		return
	}

	var subID hexutil.Uint64
	if err := json.Unmarshal(params[0], &subID); err != nil {
		m.writeWSError(conn, req.ID, -32602, "invalid subscription id")
		return
	}

	m.mu.Lock()
	sub, exists := m.subscribers[uint64(subID)]
	if exists && sub.conn == conn {
		sub.closed.Store(true)
		delete(m.subscribers, uint64(subID))
	} else {
		exists = false
	}
	m.mu.Unlock()
	m.updateStepEvents()

	m.writeResult(conn, req.ID, exists)
}

// BroadcastBlock sends the block header to newHeads subscribers and its
// matching logs to logs subscribers.
func (m *WSSubscriptionManager) BroadcastBlock(res *insoTypes.BlockResult) {
	m.broadcast(subNewHeads, func(*wsSubscription) []interface{} {
		return []interface{}{res.Block.Header}
	})
	m.broadcast(subLogs, func(sub *wsSubscription) []interface{} {
		matched := filterLogs(res.Block, sub.filter.Address, sub.filter.Topics)
		out := make([]interface{}, len(matched))
		for i, l := range matched {
			out[i] = l
		}
		return out
	})
}

// broadcast notifies every live subscription of kind with the results
// produced for it.
func (m *WSSubscriptionManager) broadcast(kind string, results func(*wsSubscription) []interface{}) {
	m.mu.RLock()
	var subs []*wsSubscription
	for _, sub := range m.subscribers {
		if sub.subType == kind && !sub.closed.Load() {
			subs = append(subs, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		for _, result := range results(sub) {
			notification := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]interface{}{
					"subscription": hexutil.Uint64(sub.id),
					"result":       result,
				},
			}
			if err := sub.conn.writeJSON(notification); err != nil {
				sub.closed.Store(true)
				m.logger.Debug("Failed to write to subscriber", "id", sub.id, "err", err)
				break
			}
		}
	}
}

// updateStepEvents enables opcode step events only while someone listens.
func (m *WSSubscriptionManager) updateStepEvents() {
	m.mu.RLock()
	listening := false
	for _, sub := range m.subscribers {
		if sub.subType == subSteps {
			listening = true
			break
		}
	}
	m.mu.RUnlock()
	m.handler.miner.ToggleStepEvent(listening)
}

// SubscriberCount returns the number of active subscriptions.
func (m *WSSubscriptionManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// cleanupConn removes all subscriptions for a disconnected connection.
func (m *WSSubscriptionManager) cleanupConn(conn *wsConn) {
	m.mu.Lock()
	for id, sub := range m.subscribers {
		if sub.conn == conn {
			sub.closed.Store(true)
			delete(m.subscribers, id)
		}
	}
	m.mu.Unlock()
	m.updateStepEvents()
}

func (m *WSSubscriptionManager) writeResult(conn *wsConn, id interface{}, result interface{}) {
	encoded, _ := json.Marshal(result)
	raw := json.RawMessage(encoded)
	m.writeWSResponse(conn, &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: &raw})
}

func (m *WSSubscriptionManager) writeWSResponse(conn *wsConn, resp *JSONRPCResponse) {
	if err := conn.writeJSON(resp); err != nil {
		m.logger.Debug("WebSocket write failed", "err", err)
	}
}

func (m *WSSubscriptionManager) writeWSError(conn *wsConn, id interface{}, code int, msg string) {
	resp := &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: msg},
	}
	m.writeWSResponse(conn, resp)
}
