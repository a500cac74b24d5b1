package progress

import (
	"testing"
	"time"

	"subs_server/core/domain"
)

func TestPublishReachesSubscribers(t *testing.T) {
	tr := NewTracker()
	tr.StartJob("job-1", 100)

	ch, unsub := tr.Subscribe("job-1")
	defer unsub()

	tr.Publish("job-1", domain.ProgressUpdate{ProcessedEmails: 10})

	select {
	case update := <-ch:
		if update.JobID != "job-1" || update.ProcessedEmails != 10 {
			t.Errorf("unexpected update: %+v", update)
		}
		if update.TotalEmails != 100 {
			t.Errorf("expected total filled in, got %d", update.TotalEmails)
		}
		if update.Event != domain.ProgressEventProgress {
			t.Errorf("expected progress event, got %s", update.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestFinishClosesAndRemovesSubscribers(t *testing.T) {
	tr := NewTracker()
	tr.StartJob("job-1", 10)

	ch, _ := tr.Subscribe("job-1")
	if n := tr.SubscriberCount("job-1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	tr.Finish("job-1", domain.ProgressUpdate{Event: domain.ProgressEventComplete, ProcessedEmails: 10})

	// Final event then closed channel
	final, ok := <-ch
	if !ok {
		t.Fatal("expected final event before close")
	}
	if final.Event != domain.ProgressEventComplete {
		t.Errorf("expected complete event, got %s", final.Event)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after final event")
	}

	if n := tr.SubscriberCount("job-1"); n != 0 {
		t.Errorf("expected job state removed, got %d subscribers", n)
	}
}

func TestSubscribeUnknownJobReturnsClosedChannel(t *testing.T) {
	tr := NewTracker()
	ch, unsub := tr.Subscribe("nope")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel for unknown job")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := NewTracker()
	tr.StartJob("job-1", 10)

	ch, unsub := tr.Subscribe("job-1")
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}
	if n := tr.SubscriberCount("job-1"); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}

	// Publishing afterwards must not panic
	tr.Publish("job-1", domain.ProgressUpdate{ProcessedEmails: 5})
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	tr := NewTracker()
	tr.StartJob("job-1", 10)

	ch, unsub := tr.Subscribe("job-1")
	defer unsub()

	// Overfill the buffer without reading; Publish must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < channelBuffer+50; i++ {
			tr.Publish("job-1", domain.ProgressUpdate{ProcessedEmails: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}

	if len(ch) != channelBuffer {
		t.Errorf("expected full buffer of %d, got %d", channelBuffer, len(ch))
	}
}

func TestEstimateETA(t *testing.T) {
	tests := []struct {
		name      string
		elapsed   time.Duration
		processed int
		total     int
		want      float64
	}{
		{"half done", 50 * time.Second, 50, 100, 50},
		{"nothing processed", time.Minute, 0, 100, 0},
		{"already done", time.Minute, 100, 100, 0},
		{"no total", time.Minute, 10, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.EstimateETA(tt.elapsed, tt.processed, tt.total)
			if got != tt.want {
				t.Errorf("EstimateETA() = %v, want %v", got, tt.want)
			}
		})
	}
}
