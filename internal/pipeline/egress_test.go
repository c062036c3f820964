package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames [][]byte
	times  []time.Time
}

func (f *fakeWriter) WriteAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.frames = append(f.frames, cp)
	f.times = append(f.times, time.Now())
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestEgressFramesAndPacesLinearOutput(t *testing.T) {
	w := &fakeWriter{}
	// linear output, 8kHz, 160-byte frames = 80 samples = 10ms per frame
	e := NewEgress(8000, 8000, "linear", 160, 500*time.Millisecond, w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	pcm := make([]byte, 160*3) // 3 frames worth
	if err := e.Enqueue(ctx, pcm); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for w.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %d", w.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The writer waits one frame duration after each write, so the third
	// frame cannot follow the first back to back.
	w.mu.Lock()
	gap := w.times[2].Sub(w.times[0])
	w.mu.Unlock()
	if gap < 10*time.Millisecond {
		t.Errorf("first-to-third frame gap = %v, want >= 10ms (one frame duration)", gap)
	}
}

func TestEgressBargeInDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	e := NewEgress(8000, 8000, "linear", 160, 200*time.Millisecond, w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Enqueue several frames but never start Run, so nothing is consumed
	// yet — BargeIn must be able to drain them directly from the channel.
	pcm := make([]byte, 160*8)
	if err := e.Enqueue(ctx, pcm); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(e.queue) == 0 {
		t.Fatal("expected frames queued before barge-in")
	}

	e.BargeIn()

	if len(e.queue) != 0 {
		t.Errorf("queue not drained after BargeIn: %d frames remain", len(e.queue))
	}

	// While stopped, new audio must not be queued either.
	if err := e.Enqueue(ctx, pcm); err != nil {
		t.Fatalf("Enqueue during pause: %v", err)
	}
	if len(e.queue) != 0 {
		t.Errorf("Enqueue during interrupt pause should drop audio, got %d frames", len(e.queue))
	}

	time.Sleep(300 * time.Millisecond)
	if err := e.Enqueue(ctx, pcm); err != nil {
		t.Fatalf("Enqueue after pause: %v", err)
	}
	if len(e.queue) == 0 {
		t.Error("expected audio to queue again after the interrupt pause elapsed")
	}
}

func TestEgressRunSkipsFramesQueuedBeforeBargeIn(t *testing.T) {
	w := &fakeWriter{}
	e := NewEgress(8000, 8000, "linear", 160, 500*time.Millisecond, w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pcm := make([]byte, 160*5)
	if err := e.Enqueue(ctx, pcm); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Barge in immediately, before Run ever starts consuming: no frame that
	// was queued prior to the stop flag being set may reach the writer
	// afterward.
	e.BargeIn()

	go e.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	if w.count() != 0 {
		t.Errorf("writer received %d frames queued before barge-in, want 0", w.count())
	}
}
