package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(Config{Port: 0, StaleTimeout: 200 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestPollConnectSendPoll(t *testing.T) {
	s := startTestServer(t)
	base := fmt.Sprintf("http://%s", s.Addr())

	resp, err := http.Post(base+"/connect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /connect: %v", err)
	}
	var connected connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&connected); err != nil {
		t.Fatalf("decoding /connect response: %v", err)
	}
	resp.Body.Close()
	if connected.ClientID == "" {
		t.Fatal("expected a non-empty clientId")
	}

	if err := s.Send([]byte(`{"tag":"requestSnapshot"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	pollResp, err := http.Get(base + "/poll?clientId=" + connected.ClientID)
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer pollResp.Body.Close()

	var batch struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(pollResp.Body).Decode(&batch); err != nil {
		t.Fatalf("decoding /poll response: %v", err)
	}
	if len(batch.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(batch.Messages))
	}

	sendReq, err := http.Post(base+"/send?clientId="+connected.ClientID, "application/json", bytes.NewReader([]byte(`{"tag":"ping"}`)))
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	sendReq.Body.Close()
	if sendReq.StatusCode != http.StatusAccepted {
		t.Errorf("POST /send status = %d, want %d", sendReq.StatusCode, http.StatusAccepted)
	}

	select {
	case raw := <-s.Inbound():
		decoded, err := ParseInbound(raw)
		if err != nil {
			t.Fatalf("ParseInbound() error = %v", err)
		}
		if decoded.Tag != TagPing {
			t.Errorf("Tag = %v, want ping", decoded.Tag)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound ping")
	}
}

func TestPollConnectEvictsFirstClientWhileActive(t *testing.T) {
	s := startTestServer(t)
	base := fmt.Sprintf("http://%s", s.Addr())

	first, err := http.Post(base+"/connect", "application/json", nil)
	if err != nil {
		t.Fatalf("first POST /connect: %v", err)
	}
	var firstConnected connectResponse
	if err := json.NewDecoder(first.Body).Decode(&firstConnected); err != nil {
		t.Fatalf("decoding first /connect response: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first connect status = %d, want 200", first.StatusCode)
	}

	second, err := http.Post(base+"/connect", "application/json", nil)
	if err != nil {
		t.Fatalf("second POST /connect: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusOK {
		t.Errorf("second connect status = %d, want 200 (a second connection should evict the first, not be refused)", second.StatusCode)
	}

	// The first client's id should no longer be recognized: its
	// connection was evicted when the second one took over.
	poll, err := http.Get(base + "/poll?clientId=" + firstConnected.ClientID)
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	poll.Body.Close()
	if poll.StatusCode != http.StatusNotFound {
		t.Errorf("poll on evicted clientId status = %d, want %d", poll.StatusCode, http.StatusNotFound)
	}
}

func TestPollDisconnectFreesSlot(t *testing.T) {
	s := startTestServer(t)
	base := fmt.Sprintf("http://%s", s.Addr())

	first, _ := http.Post(base+"/connect", "application/json", nil)
	var connected connectResponse
	json.NewDecoder(first.Body).Decode(&connected)
	first.Body.Close()

	disc, err := http.Post(base+"/disconnect?clientId="+connected.ClientID, "application/json", nil)
	if err != nil {
		t.Fatalf("POST /disconnect: %v", err)
	}
	disc.Body.Close()

	second, err := http.Post(base+"/connect", "application/json", nil)
	if err != nil {
		t.Fatalf("second POST /connect: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusOK {
		t.Errorf("connect after disconnect status = %d, want 200", second.StatusCode)
	}
}

func TestWebSocketConnectEvictsActivePollClient(t *testing.T) {
	s := startTestServer(t)
	base := fmt.Sprintf("http://%s", s.Addr())

	pollResp, err := http.Post(base+"/connect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /connect: %v", err)
	}
	var connected connectResponse
	if err := json.NewDecoder(pollResp.Body).Decode(&connected); err != nil {
		t.Fatalf("decoding /connect response: %v", err)
	}
	pollResp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := fmt.Sprintf("ws://%s/ws", s.Addr())
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server a moment to register the websocket as active and
	// evict the poll client.
	time.Sleep(50 * time.Millisecond)

	poll, err := http.Get(base + "/poll?clientId=" + connected.ClientID)
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	poll.Body.Close()
	if poll.StatusCode != http.StatusNotFound {
		t.Errorf("poll on evicted poll clientId status = %d, want %d", poll.StatusCode, http.StatusNotFound)
	}

	if err := s.Send([]byte(`{"tag":"ping"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	_, _, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("expected the websocket to be the active connection after eviction, Read() error = %v", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	s := startTestServer(t)
	url := fmt.Sprintf("ws://%s/ws", s.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"tag":"ping"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case raw := <-s.Inbound():
		decoded, err := ParseInbound(raw)
		if err != nil {
			t.Fatalf("ParseInbound() error = %v", err)
		}
		if decoded.Tag != TagPing {
			t.Errorf("Tag = %v, want ping", decoded.Tag)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound ping over websocket")
	}

	if err := s.Send([]byte(`{"tag":"pong"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Contains(data, []byte(`"pong"`)) {
		t.Errorf("outbound message = %s, want it to contain the pong tag", data)
	}
}
