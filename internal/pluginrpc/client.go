package pluginrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// ErrClosed indicates the connection went away before a call completed.
var ErrClosed = errors.New("pluginrpc: connection closed")

// NotificationHandler receives notifications pushed by the plugin process.
type NotificationHandler func(method string, params json.RawMessage)

// Client is the hub side of a plugin connection. It issues calls and
// dispatches plugin notifications until the connection closes.
type Client struct {
	conn   net.Conn
	notify NotificationHandler
	logger *log.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Message

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an accepted connection and starts the read loop.
// notify may be nil when the caller has no interest in plugin pushes.
func NewClient(conn net.Conn, notify NotificationHandler, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		conn:    conn,
		notify:  notify,
		logger:  logger,
		pending: make(map[uint64]chan *Message),
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// WaitReady blocks until the plugin announces readiness.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("pluginrpc: waiting for plugin readiness: %w", ctx.Err())
	}
}

// Call invokes a method on the plugin process and decodes the result into
// result when non-nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("pluginrpc: encode params: %w", err)
		}
		raw = encoded
	}

	respCh := make(chan *Message, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(Message{ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("pluginrpc: decode result: %w", err)
			}
		}
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("pluginrpc: call %s: %w", method, ctx.Err())
	}
}

// Close tears down the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection has terminated for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pluginrpc: encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Printf("[PluginRPC] read loop terminated: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("[PluginRPC] dropping malformed frame: %v", err)
			continue
		}

		if msg.Method != "" {
			if msg.Method == NotifyReady {
				c.readyOnce.Do(func() { close(c.ready) })
				continue
			}
			if c.notify != nil {
				c.notify(msg.Method, msg.Params)
			}
			continue
		}

		c.mu.Lock()
		respCh, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			respCh <- &msg
		}
	}
}
