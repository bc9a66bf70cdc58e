package restsync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestSubscriptionReconciles(t *testing.T) {
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		ws.WriteMessage(websocket.TextMessage, []byte(`[{"id": 1, "name": "a"}, {"id": 2, "name": "b"}]`))
		ws.WriteMessage(websocket.TextMessage, []byte(`[{"id": 2, "name": "b2"}]`))
		<-done
	}))
	defer server.Close()
	defer close(done)

	transport := newTestTransport(nil)
	set := newTestSet(transport)
	defer set.Close()

	events := make(chan *SetEvent, 16)
	unsub := set.AddEventCallback(func(event *SetEvent) {
		events <- event
	})
	defer unsub()

	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	subscription := NewSubscriptionWithDefaults(set.ctx, set, wsUrl)
	defer subscription.Close()

	// the malformed message is skipped, the first list adds two members
	waitForEvent(t, events, SetEventAdd)
	assert.Equal(t, resourceIds(set), []string{"1", "2"})

	// the second list removes the stale member and updates in place
	waitForEvent(t, events, SetEventRemove)
	assert.Equal(t, resourceIds(set), []string{"2"})
	assert.Equal(t, set.RequireFind(float64(2)).RequireGet("name"), "b2")
}

func waitForEvent(t *testing.T, events chan *SetEvent, eventType SetEventType) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == eventType {
				return
			}
		case <-timeout:
			t.Fatalf("Timeout waiting for %s", eventType)
		}
	}
}
