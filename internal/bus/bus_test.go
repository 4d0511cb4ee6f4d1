package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskCompleted)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCompleted, TaskCompletedEvent{TaskID: "t1", Status: "done"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCompleted)
		}
		ev, ok := event.Payload.(TaskCompletedEvent)
		if !ok || ev.TaskID != "t1" {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskSubmitted, TaskSubmittedEvent{TaskID: "a"})
	b.Publish(TopicConfigReloaded, ConfigReloadedEvent{Path: "config.yaml"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskSubmitted {
			t.Fatalf("topic = %q, want %s", event.Topic, TopicTaskSubmitted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	small := b.SubscribeBuffered("task.", 2)
	defer b.Unsubscribe(small)
	roomy := b.Subscribe("task.")
	defer b.Unsubscribe(roomy)

	for i := 0; i < 5; i++ {
		b.Publish(TopicTaskProgress, i)
	}
	if small.Missed() != 3 || roomy.Missed() != 0 {
		t.Fatalf("missed: small=%d roomy=%d", small.Missed(), roomy.Missed())
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	if got := len(small.Ch()); got != 2 {
		t.Fatalf("small buffered %d events, want 2", got)
	}
	if got := len(roomy.Ch()); got != 5 {
		t.Fatalf("roomy buffered %d events, want 5", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTaskProgress, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != goroutines*perGoroutine {
				t.Fatalf("received %d events, want %d", received, goroutines*perGoroutine)
			}
			return
		}
	}
}

func TestTaskIDOf(t *testing.T) {
	cases := []any{
		TaskSubmittedEvent{TaskID: "x"},
		TaskClaimedEvent{TaskID: "x"},
		TaskProgressEvent{TaskID: "x"},
		TaskRetryingEvent{TaskID: "x"},
		TaskCompletedEvent{TaskID: "x"},
		TaskResumedEvent{TaskID: "x"},
		TaskReviewEvent{TaskID: "x"},
		TaskLeaseLostEvent{TaskID: "x"},
	}
	for _, ev := range cases {
		if got := TaskIDOf(ev); got != "x" {
			t.Fatalf("TaskIDOf(%T) = %q", ev, got)
		}
	}
	if got := TaskIDOf(ConfigReloadedEvent{Path: "x"}); got != "" {
		t.Fatalf("non-task payload returned %q", got)
	}
}
