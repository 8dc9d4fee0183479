package transport

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
)

func mockClient(id string) *Client {
	return &Client{send: make(chan []byte, 256), logger: zap.NewNop()}
}

func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

func memoryLogFactory(docID string) annotationlog.Log {
	return annotationlog.NewMemoryLog(docID + "-server")
}

func TestHubCreatesSessionOnJoin(t *testing.T) {
	hub := NewHub(memoryLogFactory, zap.NewNop())
	go hub.Run()

	c := mockClient("c1")
	c.hub = hub
	hub.joinDoc <- joinRequest{client: c, docID: "new-doc"}

	msg := recvMsg(t, c)
	if msg.Type != MsgDoc {
		t.Errorf("type = %q, want %q", msg.Type, MsgDoc)
	}
	if msg.DocID != "new-doc" {
		t.Errorf("docId = %q, want %q", msg.DocID, "new-doc")
	}

	if hub.GetSession("new-doc") == nil {
		t.Error("session not created")
	}
}

func TestHubReusesExistingSession(t *testing.T) {
	hub := NewHub(memoryLogFactory, zap.NewNop())
	go hub.Run()

	c1 := mockClient("c1")
	c1.hub = hub
	hub.joinDoc <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1)

	first := hub.GetSession("doc1")

	c2 := mockClient("c2")
	c2.hub = hub
	hub.joinDoc <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2)

	if hub.GetSession("doc1") != first {
		t.Error("expected the same session to be reused for a second join")
	}
}
