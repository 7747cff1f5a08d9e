package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Run("delivers_to_matching_prefix", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("job.")
		defer b.Unsubscribe(sub)

		b.Publish(TopicJobStarted, JobEvent{JobID: "j1", RequirementID: "r1"})

		select {
		case ev := <-sub.Ch():
			if ev.Topic != TopicJobStarted {
				t.Errorf("topic: got %q", ev.Topic)
			}
			payload, ok := ev.Payload.(JobEvent)
			if !ok {
				t.Fatalf("payload type: %T", ev.Payload)
			}
			if payload.JobID != "j1" {
				t.Errorf("job id: got %q", payload.JobID)
			}
		case <-time.After(time.Second):
			t.Fatal("no event delivered")
		}
	})

	t.Run("empty_prefix_matches_all", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("")
		defer b.Unsubscribe(sub)

		b.Publish(TopicWorktreeFallback, WorktreeEvent{JobID: "j1"})
		select {
		case ev := <-sub.Ch():
			if ev.Topic != TopicWorktreeFallback {
				t.Errorf("topic: got %q", ev.Topic)
			}
		case <-time.After(time.Second):
			t.Fatal("no event delivered")
		}
	})

	t.Run("non_matching_prefix_skipped", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("phase.")
		defer b.Unsubscribe(sub)

		b.Publish(TopicJobStarted, JobEvent{})
		select {
		case ev := <-sub.Ch():
			t.Fatalf("unexpected event %q", ev.Topic)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("full_buffer_drops_instead_of_blocking", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("task.")
		defer b.Unsubscribe(sub)

		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicTaskRetrying, TaskRetryEvent{Attempt: i})
		}
		// Publish must not have blocked; drain what fits in the buffer.
		drained := 0
		for {
			select {
			case <-sub.Ch():
				drained++
			default:
				if drained != defaultBufferSize {
					t.Errorf("drained %d, expected %d", drained, defaultBufferSize)
				}
				return
			}
		}
	})
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Error("expected closed channel")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
