package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"dvbsboard/core"
)

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1)
	if h.Count() != 1 {
		t.Fatalf("expected one subscriber, got %d", h.Count())
	}

	ev := core.NewCelebration(core.EventCelebrationStarted, core.BoardYouth, time.Now().Add(7*time.Second))
	h.Broadcast(context.Background(), ev)

	received := <-ch
	if received.Board != core.BoardYouth || received.Type != core.EventCelebrationStarted {
		t.Fatalf("unexpected event: %+v", received)
	}

	h.Unsubscribe(id)
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe(1)
	h.Broadcast(context.Background(), core.NewPlaySound("a.mp3"))
	h.Broadcast(context.Background(), core.NewPlaySound("b.mp3"))
	if got := (<-ch).Metadata["asset"]; got != "a.mp3" {
		t.Fatalf("expected first cue kept, got %v", got)
	}
	select {
	case ev := <-ch:
		t.Fatalf("expected second cue dropped, got %+v", ev)
	default:
	}
}

func TestHubBroadcastDuringUnsubscribe(t *testing.T) {
	h := NewHub()
	ev := core.NewPlaySound("a.mp3")
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					h.Broadcast(context.Background(), ev)
				}
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				id, ch := h.Subscribe(1)
				h.Unsubscribe(id)
				for range ch {
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
	if h.Count() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Count())
	}
}

func TestMarshalJSON(t *testing.T) {
	ev := core.NewScoreChanged(core.BoardPrimary, core.DayA, 15, core.Series{Day: core.DayA, Label: "Monday"})
	b := MarshalJSON(ev)
	var out core.Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Value != 15 || out.Series == nil || out.Series.Label != "Monday" {
		t.Fatalf("unexpected event: %+v", out)
	}
}

func TestSoundCue(t *testing.T) {
	h := NewHub()
	cue := NewSoundCue(h)
	if err := cue.Play(context.Background(), "cheer.mp3"); !errors.Is(err, ErrNoListeners) {
		t.Fatalf("expected ErrNoListeners, got %v", err)
	}

	_, ch := h.Subscribe(1)
	if err := cue.Play(context.Background(), "cheer.mp3"); err != nil {
		t.Fatalf("play: %v", err)
	}
	ev := <-ch
	if ev.Type != core.EventPlaySound || ev.Metadata["asset"] != "cheer.mp3" {
		t.Fatalf("unexpected cue %+v", ev)
	}
}
