package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, teamID string) *Client {
	return &Client{
		hub:    hub,
		teamID: teamID,
		send:   make(chan []byte, sendBufferSize),
	}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, "team-a")
	c2 := mockClient(hub, "team-b")

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if got := hub.TeamClientCount("team-a"); got != 1 {
		t.Fatalf("expected 1 team-a client, got %d", got)
	}

	hub.Unregister(c1)
	if got := hub.TeamClientCount("team-a"); got != 0 {
		t.Fatalf("expected 0 team-a clients, got %d", got)
	}

	hub.Unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, "team-a")
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestNotifyScopedToTeam(t *testing.T) {
	hub := NewHub(slog.Default())

	a1 := mockClient(hub, "team-a")
	a2 := mockClient(hub, "team-a")
	b := mockClient(hub, "team-b")
	for _, c := range []*Client{a1, a2, b} {
		hub.Register(c)
	}

	hub.Notify("team-a", "attempt_completed", map[string]any{"attempt_id": "x", "passed": true})

	for _, c := range []*Client{a1, a2} {
		got := receive(t, c)
		if got.Type != "attempt_completed" || got.TeamID != "team-a" {
			t.Errorf("unexpected message %+v", got)
		}
		data, ok := got.Data.(map[string]any)
		if !ok || data["attempt_id"] != "x" || data["passed"] != true {
			t.Errorf("unexpected data %#v", got.Data)
		}
		if got.At.IsZero() {
			t.Error("expected timestamp")
		}
	}

	select {
	case <-b.send:
		t.Fatal("team-b should not receive team-a events")
	default:
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.Notify("nobody", "usage_changed", nil)
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub, "team-a")
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Notify("team-a", "fill", i)
	}
	hub.Notify("team-a", "dropped", nil)

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			team := "team-a"
			if i%2 == 0 {
				team = "team-b"
			}
			c := mockClient(hub, team)
			hub.Register(c)
			hub.Notify(team, "concurrent", nil)
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}(i)
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
