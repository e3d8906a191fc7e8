package pluginrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func newTestPair(t *testing.T, handler Handler, notify NotificationHandler) (*Client, *Server) {
	t.Helper()

	hubConn, pluginConn := net.Pipe()
	client := NewClient(hubConn, notify, nil)
	server := NewServer(pluginConn, handler)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestCallRoundTrip(t *testing.T) {
	t.Parallel()

	handler := func(_ context.Context, method string, params json.RawMessage) (any, error) {
		if method != MethodLoad {
			return nil, errors.New("unexpected method")
		}
		var p LoadParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]string{"plugin": p.PluginName}, nil
	}
	client, server := newTestPair(t, handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Serve(ctx)

	var result map[string]string
	err := client.Call(ctx, MethodLoad, LoadParams{PluginName: "hue"}, &result)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result["plugin"] != "hue" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestCallErrorPropagates(t *testing.T) {
	t.Parallel()

	handler := func(_ context.Context, _ string, _ json.RawMessage) (any, error) {
		return nil, errors.New("load failed: bridge unreachable")
	}
	client, server := newTestPair(t, handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Serve(ctx)

	err := client.Call(ctx, MethodLoad, LoadParams{PluginName: "hue"}, nil)
	if err == nil || err.Error() != "load failed: bridge unreachable" {
		t.Fatalf("expected remote error, got %v", err)
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error type not preserved: %T", err)
	}
}

func TestReadinessHandshake(t *testing.T) {
	t.Parallel()

	client, server := newTestPair(t, func(_ context.Context, _ string, _ json.RawMessage) (any, error) {
		return nil, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Serve(ctx)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	if err := client.WaitReady(shortCtx); err == nil {
		t.Fatalf("WaitReady must block until the plugin announces")
	}

	if err := server.AnnounceReady(); err != nil {
		t.Fatalf("announce ready: %v", err)
	}
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestNotificationsReachHub(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	notified := make(chan struct{}, 8)
	notify := func(method string, params json.RawMessage) {
		var p EmitParams
		json.Unmarshal(params, &p)
		mu.Lock()
		got = append(got, method+":"+p.Topic)
		mu.Unlock()
		notified <- struct{}{}
	}
	client, server := newTestPair(t, nil, notify)
	_ = client

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Serve(ctx)

	if err := server.Notify(NotifyEmit, EmitParams{Topic: "kitchen.light.on"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatalf("notification never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != NotifyEmit+":kitchen.light.on" {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestCallFailsAfterClose(t *testing.T) {
	t.Parallel()

	client, server := newTestPair(t, nil, nil)
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Call(ctx, MethodPing, nil, nil)
	if err == nil {
		t.Fatalf("expected failure after peer close")
	}
}

func TestFrameSizeLimit(t *testing.T) {
	t.Parallel()

	hubConn, pluginConn := net.Pipe()
	defer hubConn.Close()
	go func() {
		// Drain whatever arrives so writeFrame is not blocked by the pipe.
		buf := make([]byte, 1024)
		for {
			if _, err := pluginConn.Read(buf); err != nil {
				return
			}
		}
	}()

	if err := writeFrame(hubConn, make([]byte, maxFramePayload+1)); err == nil {
		t.Fatalf("oversized frame accepted")
	}
}
