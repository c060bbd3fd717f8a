package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agencore/router/internal/envelope"
)

// TCPBroker is the client side of the networked broker: JSON-RPC-over-TCP
// with request/response correlation via channels, plus a background
// listener that also routes unsolicited "deliver" pushes to subscribed
// handlers.
type TCPBroker struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
	dec  *json.Decoder

	reqID int64

	respMu   sync.Mutex
	pending  map[string]chan rpcResponse

	subMu    sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTCPBroker dials addr and registers with the broker (a dial-then-
// handshake sequence).
func NewTCPBroker(ctx context.Context, addr, clientID string) (*TCPBroker, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	b := &TCPBroker{
		addr:     addr,
		conn:     conn,
		dec:      json.NewDecoder(conn),
		pending:  make(map[string]chan rpcResponse),
		handlers: make(map[string][]Handler),
		ctx:      cctx,
		cancel:   cancel,
	}
	go b.listen()

	if _, err := b.call("connect", map[string]any{"agent_id": clientID}); err != nil {
		b.Close()
		return nil, fmt.Errorf("broker: register: %w", err)
	}
	return b, nil
}

func (b *TCPBroker) nextReqID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqID++
	return fmt.Sprintf("req_%d", b.reqID)
}

func (b *TCPBroker) call(method string, params any) (json.RawMessage, error) {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal params: %w", err)
	}
	id := b.nextReqID()
	req := rpcRequest{ID: id, Method: method, Params: paramsBytes}

	ch := make(chan rpcResponse, 1)
	b.respMu.Lock()
	b.pending[id] = ch
	b.respMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	_, err = b.conn.Write(append(data, '\n'))
	b.mu.Unlock()
	if err != nil {
		b.respMu.Lock()
		delete(b.pending, id)
		b.respMu.Unlock()
		return nil, fmt.Errorf("broker: write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("broker: %s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-time.After(30 * time.Second):
		b.respMu.Lock()
		delete(b.pending, id)
		b.respMu.Unlock()
		return nil, fmt.Errorf("broker: request %q timed out", method)
	case <-b.ctx.Done():
		return nil, b.ctx.Err()
	}
}

// listen routes every line from the broker to either a pending call's
// response channel or a "deliver" push's registered handlers.
func (b *TCPBroker) listen() {
	for {
		var raw struct {
			ID       string             `json:"id"`
			Result   json.RawMessage    `json:"result,omitempty"`
			Error    *rpcError          `json:"error,omitempty"`
			Method   string             `json:"method,omitempty"`
			Topic    string             `json:"topic,omitempty"`
			Envelope *envelope.Envelope `json:"envelope,omitempty"`
		}
		if err := b.dec.Decode(&raw); err != nil {
			return
		}

		if raw.Method == "deliver" && raw.Envelope != nil {
			b.deliver(raw.Topic, raw.Envelope)
			continue
		}

		b.respMu.Lock()
		ch, ok := b.pending[raw.ID]
		if ok {
			delete(b.pending, raw.ID)
		}
		b.respMu.Unlock()
		if ok {
			ch <- rpcResponse{ID: raw.ID, Result: raw.Result, Error: raw.Error}
		}
	}
}

func (b *TCPBroker) deliver(topic string, env *envelope.Envelope) {
	b.subMu.RLock()
	hs := append([]Handler(nil), b.handlers[topic]...)
	b.subMu.RUnlock()
	for _, h := range hs {
		if h == nil {
			continue
		}
		go func(h Handler) {
			_ = h(b.ctx, env.Clone())
		}(h)
	}
}

func (b *TCPBroker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	_, err := b.call("publish_envelope", map[string]any{"topic": topic, "envelope": env})
	return err
}

func (b *TCPBroker) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	if _, err := b.call("subscribe", map[string]any{"topic": topic}); err != nil {
		return nil, err
	}
	b.subMu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	idx := len(b.handlers[topic]) - 1
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		hs := b.handlers[topic]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}, nil
}

func (b *TCPBroker) Close() error {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Close()
}
