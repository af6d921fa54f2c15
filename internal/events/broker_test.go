// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe_FIFO(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: KindProgress, RunID: "run-1", Data: ProgressData{Percent: i}})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			data := ev.Data.(ProgressData)
			if data.Percent != i {
				t.Fatalf("event %d out of order: got percent %d", i, data.Percent)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := NewBroker()
	// Must not block or panic.
	b.Publish(Event{Kind: KindStatus, RunID: "run-1"})
}

func TestPublish_DropsOldestWhenFull(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	// Overfill without draining.
	total := subscriberBuffer + 50
	for i := 0; i < total; i++ {
		b.Publish(Event{Kind: KindStep, RunID: "run-1", Data: StepData{Seq: i}})
	}

	// The first event left in the buffer must be the oldest survivor,
	// and order must be preserved from there.
	first := (<-ch).Data.(StepData).Seq
	if first != total-subscriberBuffer {
		t.Errorf("expected first surviving seq %d, got %d", total-subscriberBuffer, first)
	}
	prev := first
	for i := 0; i < subscriberBuffer-1; i++ {
		seq := (<-ch).Data.(StepData).Seq
		if seq != prev+1 {
			t.Fatalf("gap in surviving events: %d after %d", seq, prev)
		}
		prev = seq
	}
}

func TestSubscribe_MultipleFanOut(t *testing.T) {
	b := NewBroker()
	const n = 4

	chans := make([]<-chan Event, n)
	for i := 0; i < n; i++ {
		ch, unsub := b.Subscribe("run-1")
		defer unsub()
		chans[i] = ch
	}

	b.Publish(Event{Kind: KindStatus, RunID: "run-1", Data: StatusData{Status: "running"}})

	for i, ch := range chans {
		select {
		case ev := <-ch:
			if ev.Kind != KindStatus {
				t.Errorf("subscriber %d got kind %s", i, ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestClose_ClosesAllSubscribers(t *testing.T) {
	b := NewBroker()
	ch1, unsub1 := b.Subscribe("run-1")
	ch2, unsub2 := b.Subscribe("run-1")
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Kind: KindStatus, RunID: "run-1", Data: StatusData{Status: "succeeded", Progress: 100}})
	b.Close("run-1")

	for _, ch := range []<-chan Event{ch1, ch2} {
		// Buffered terminal event still readable.
		ev, ok := <-ch
		if !ok || ev.Kind != KindStatus {
			t.Fatalf("expected buffered status event, ok=%v", ok)
		}
		// Then the channel is closed.
		if _, ok := <-ch; ok {
			t.Fatal("expected closed channel")
		}
	}

	if got := b.SubscriberCount("run-1"); got != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", got)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := NewBroker()
	_, unsub := b.Subscribe("run-1")

	unsub()
	unsub()

	if got := b.SubscriberCount("run-1"); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Kind: KindStatus, RunID: "run-1"})
}

func TestSubscribe_AfterCloseYieldsClosedChannel(t *testing.T) {
	b := NewBroker()
	_, unsub := b.Subscribe("run-1")
	b.Close("run-1")
	unsub()

	// A subscriber arriving after the run's stream ended must terminate
	// immediately rather than wait on a channel nothing will ever close.
	ch, lateUnsub := b.Subscribe("run-1")
	defer lateUnsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got an event")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("late subscriber channel never closed")
	}

	if got := b.SubscriberCount("run-1"); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}
}

func TestUnsubscribe_AfterClose(t *testing.T) {
	b := NewBroker()
	_, unsub := b.Subscribe("run-1")

	b.Close("run-1")
	unsub()
}

func TestPublish_CrossRunIsolation(t *testing.T) {
	b := NewBroker()
	ch1, unsub1 := b.Subscribe("run-1")
	ch2, unsub2 := b.Subscribe("run-2")
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Kind: KindStatus, RunID: "run-1"})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("run-1 subscriber timed out")
	}
	select {
	case ev := <-ch2:
		t.Fatalf("run-2 subscriber received foreign event: %+v", ev)
	default:
	}
}

func TestPublish_ConcurrentPublishers(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	const publishers = 8
	const perPublisher = 20

	done := make(chan struct{})
	received := 0
	go func() {
		defer close(done)
		for range ch {
			received++
			if received == publishers*perPublisher {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(Event{
					Kind:  KindStep,
					RunID: "run-1",
					Data:  StepData{Content: fmt.Sprintf("p%d-%d", p, i)},
				})
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("received only %d of %d events", received, publishers*perPublisher)
	}
}
