package ws

import (
	"errors"
	"testing"
)

type testSubscriber struct {
	sent    [][]byte
	sendErr error
	closed  bool
}

func (s *testSubscriber) Send(payload []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *testSubscriber) Close() {
	s.closed = true
}

func TestHubBroadcastReachesProjectSubscribers(t *testing.T) {
	hub := NewHub()
	a := &testSubscriber{}
	b := &testSubscriber{}
	other := &testSubscriber{}
	hub.Register("project-1", a)
	hub.Register("project-1", b)
	hub.Register("project-2", other)

	hub.Broadcast("project-1", []byte("log line"))

	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("expected both subscribers to receive, got %d and %d", len(a.sent), len(b.sent))
	}
	if len(other.sent) != 0 {
		t.Fatalf("other project's subscriber must not receive")
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	healthy := &testSubscriber{}
	broken := &testSubscriber{sendErr: errors.New("connection reset")}
	hub.Register("project-1", healthy)
	hub.Register("project-1", broken)

	hub.Broadcast("project-1", []byte("log line"))

	if !broken.closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
	if hub.Subscribers("project-1") != 1 {
		t.Fatalf("expected one subscriber left, got %d", hub.Subscribers("project-1"))
	}
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub()
	sub := &testSubscriber{}
	hub.Register("project-1", sub)
	hub.Unregister("project-1", sub)

	if hub.Subscribers("project-1") != 0 {
		t.Fatalf("expected no subscribers after unregister")
	}
	hub.Broadcast("project-1", []byte("log line"))
	if len(sub.sent) != 0 {
		t.Fatalf("unregistered subscriber must not receive")
	}
}

func TestHubCloseRejectsLateRegistration(t *testing.T) {
	hub := NewHub()
	early := &testSubscriber{}
	hub.Register("project-1", early)
	hub.Close()

	if !early.closed {
		t.Fatalf("expected existing subscriber closed")
	}

	late := &testSubscriber{}
	hub.Register("project-1", late)
	if !late.closed {
		t.Fatalf("expected late registration to be closed immediately")
	}
}
