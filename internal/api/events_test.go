package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weirdion/weirdion/internal/profile"
	"github.com/weirdion/weirdion/internal/watch"
)

type stubChecker map[string]error

func (s stubChecker) Check(file string) error { return s[file] }

func TestHub_SubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	events, unsubscribe := h.Subscribe()
	if h.Clients() != 1 {
		t.Fatalf("Clients = %d, want 1", h.Clients())
	}

	h.Broadcast(ProfileEvent{Type: "profiles_changed", File: profile.UserFile, Valid: true})
	select {
	case ev := <-events:
		if ev.File != profile.UserFile || !ev.Valid {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	unsubscribe()
	unsubscribe()
	if h.Clients() != 0 {
		t.Errorf("Clients after unsubscribe = %d, want 0", h.Clients())
	}
	if _, ok := <-events; ok {
		t.Error("channel still open after unsubscribe")
	}
	h.Broadcast(ProfileEvent{File: "x"})
}

func TestHub_BroadcastDropsForFullClient(t *testing.T) {
	h := NewHub()
	_, unsubscribe := h.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Broadcast(ProfileEvent{File: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full client")
	}
}

func TestHub_ForwardChecksValidity(t *testing.T) {
	h := NewHub()
	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	in := make(chan watch.Event, 2)
	in <- watch.Event{File: profile.UserFile, Op: watch.OpModified}
	in <- watch.Event{File: profile.DefaultFile, Op: watch.OpRemoved}
	close(in)

	checker := stubChecker{profile.DefaultFile: errors.New("missing")}
	h.Forward(context.Background(), in, checker)

	first := <-events
	if first.Type != "profiles_changed" || !first.Valid || first.Op != watch.OpModified {
		t.Errorf("first = %+v", first)
	}
	second := <-events
	if second.Valid || second.Error != "missing" {
		t.Errorf("second = %+v", second)
	}
}

func TestEventsWebsocket(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(Deps{
		Profiles: profile.NewStore(t.TempDir()),
		Hub:      hub,
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/weirdion/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(ProfileEvent{Type: "profiles_changed", File: profile.UserFile, Op: watch.OpCreated, Valid: false, Error: "bad"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ProfileEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.File != profile.UserFile || ev.Valid || ev.Error != "bad" {
		t.Errorf("event = %+v", ev)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not unsubscribed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsWithoutHub(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Deps{Profiles: profile.NewStore(t.TempDir())}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/weirdion/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
