package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c := New("ws://example.invalid", time.Second, 0, zap.NewNop())
	if err := c.Subscribe(context.Background(), "btcusdt@markPrice"); err == nil {
		t.Fatal("subscribe without connection accepted")
	}
}

func TestRunSubscribesAndDeliversMessages(t *testing.T) {
	frames := make(chan subscribeFrame, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame subscribeFrame
		if err := json.Unmarshal(data, &frame); err == nil {
			frames <- frame
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"e":"markPriceUpdate","p":"100.5"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"e":"markPriceUpdate","p":"100.6"}`))

		// Service any replayed subscribe frames until the client leaves.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	c := New(url, 50*time.Millisecond, 0, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Subscribe(ctx, "btcusdt@markPrice@1s"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	received := make(chan json.RawMessage, 8)
	runDone := make(chan error, 1)
	runCtx, stopRun := context.WithCancel(ctx)
	go func() {
		runDone <- c.Run(runCtx, func(msg json.RawMessage) {
			received <- msg
		})
	}()

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-received:
			got = append(got, string(msg))
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream messages")
		}
	}
	if !strings.Contains(got[0], "100.5") || !strings.Contains(got[1], "100.6") {
		t.Fatalf("messages out of order or corrupt: %v", got)
	}

	select {
	case frame := <-frames:
		if frame.Method != "SUBSCRIBE" {
			t.Fatalf("method = %q", frame.Method)
		}
		if len(frame.Params) != 1 || frame.Params[0] != "btcusdt@markPrice@1s" {
			t.Fatalf("params = %v", frame.Params)
		}
		if frame.ID == 0 {
			t.Fatal("request id not assigned")
		}
	case <-ctx.Done():
		t.Fatal("no subscribe frame seen")
	}

	stopRun()
	c.Close()
	select {
	case err := <-runDone:
		if err != context.Canceled {
			t.Fatalf("run returned %v", err)
		}
	case <-ctx.Done():
		t.Fatal("run did not stop")
	}
}
