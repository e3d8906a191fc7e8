package pluginrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
)

// Handler serves one call inside the plugin process. Returning an error
// produces an error response on the wire.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Server is the plugin-process side of the connection. It answers hub calls
// via the handler and lets the plugin push notifications upstream.
type Server struct {
	conn    net.Conn
	handler Handler

	writeMu sync.Mutex
}

// NewServer wraps a dialed connection.
func NewServer(conn net.Conn, handler Handler) *Server {
	return &Server{conn: conn, handler: handler}
}

// AnnounceReady sends the readiness notification. Call once, after the
// plugin has finished its own initialisation.
func (s *Server) AnnounceReady() error {
	return s.sendMessage(Message{Method: NotifyReady})
}

// Notify pushes a notification to the hub.
func (s *Server) Notify(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = encoded
	}
	return s.sendMessage(Message{Method: method, Params: raw})
}

// Serve answers calls until the connection closes or ctx is cancelled.
// A clean peer disconnect returns nil.
func (s *Server) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	for {
		data, err := readFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method == "" || msg.ID == 0 {
			// Neither a call nor anything the plugin side answers.
			continue
		}

		result, callErr := s.handler(ctx, msg.Method, msg.Params)
		resp := Message{ID: msg.ID}
		if callErr != nil {
			resp.Error = &Error{Code: 1, Message: callErr.Error()}
		} else if result != nil {
			encoded, err := json.Marshal(result)
			if err != nil {
				resp.Error = &Error{Code: 2, Message: err.Error()}
			} else {
				resp.Result = encoded
			}
		}
		if err := s.sendMessage(resp); err != nil {
			return err
		}
	}
}

// Close terminates the connection.
func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) sendMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, data)
}
