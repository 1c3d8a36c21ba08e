package broadcast

import (
	"testing"
	"time"

	"github.com/throw-if-null/argon/internal/api"
)

func recv(t *testing.T, ch <-chan api.Event) api.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("feed closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return api.Event{}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	defer cancelA()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Publish(&api.Task{TaskID: "t1", Status: api.StatusPending})

	for _, ch := range []<-chan api.Event{a, b} {
		ev := recv(t, ch)
		if ev.Event != api.EventTaskUpdate || ev.TaskID != "t1" || ev.Task == nil || ev.Task.Status != api.StatusPending {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestSubscribersGetIndependentCopies(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	defer cancelA()
	b, cancelB := h.Subscribe()
	defer cancelB()

	task := &api.Task{TaskID: "t1", Status: api.StatusExecuting}
	h.Publish(task)
	task.Status = api.StatusFailed

	ea, eb := recv(t, a), recv(t, b)
	if ea.Task.Status != api.StatusExecuting {
		t.Fatalf("publisher mutation leaked into snapshot")
	}
	ea.Task.Status = api.StatusCancelled
	if eb.Task.Status != api.StatusExecuting {
		t.Fatalf("subscribers share a snapshot")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	slow, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < Buffer*3; i++ {
			h.Publish(&api.Task{TaskID: "t1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if n := len(slow); n != Buffer {
		t.Fatalf("expected buffer to hold %d events, got %d", Buffer, n)
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	h := NewHub()
	h.Publish(&api.Task{TaskID: "early"})
	ch, cancel := h.Subscribe()
	defer cancel()
	h.Publish(&api.Task{TaskID: "late"})
	if ev := recv(t, ch); ev.TaskID != "late" {
		t.Fatalf("expected only the late event, got %s", ev.TaskID)
	}
}

func TestCancelAndClose(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed feed after cancel")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}

	other, cancelOther := h.Subscribe()
	h.Close()
	if _, ok := <-other; ok {
		t.Fatalf("expected closed feed after hub close")
	}
	cancelOther()

	after, _ := h.Subscribe()
	if _, ok := <-after; ok {
		t.Fatalf("expected closed feed from closed hub")
	}
	h.Publish(&api.Task{TaskID: "t1"})
}
