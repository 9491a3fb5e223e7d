package eventbus

import (
	"fmt"
	"sync"
	"testing"
)

type recordingSub struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (r *recordingSub) Send(ev Event) error {
	if r.fail {
		return fmt.Errorf("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := &recordingSub{}
	b.Subscribe("plan-1", sub)

	b.Publish("plan-1", KindNodeStarted, map[string]any{"node_id": 1})

	if sub.count() != 1 {
		t.Fatalf("expected 1 event, got %d", sub.count())
	}
	if sub.events[0].Kind != KindNodeStarted {
		t.Errorf("expected node_started, got %s", sub.events[0].Kind)
	}
}

func TestPublishOnlyReachesSamePlan(t *testing.T) {
	b := New()
	sub1 := &recordingSub{}
	sub2 := &recordingSub{}
	b.Subscribe("plan-1", sub1)
	b.Subscribe("plan-2", sub2)

	b.Publish("plan-1", KindLogLine, nil)

	if sub1.count() != 1 {
		t.Errorf("expected plan-1 subscriber to receive event, got %d", sub1.count())
	}
	if sub2.count() != 0 {
		t.Errorf("expected plan-2 subscriber to receive nothing, got %d", sub2.count())
	}
}

func TestPublishSkipsFailingSubscriberWithoutBlockingOthers(t *testing.T) {
	b := New()
	bad := &recordingSub{fail: true}
	good := &recordingSub{}
	b.Subscribe("plan-1", bad)
	b.Subscribe("plan-1", good)

	b.Publish("plan-1", KindNodeFailed, nil)

	if good.count() != 1 {
		t.Errorf("expected good subscriber to still receive event, got %d", good.count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := &recordingSub{}
	b.Subscribe("plan-1", sub)
	b.Unsubscribe("plan-1", sub)

	b.Publish("plan-1", KindPlanCompleted, nil)

	if sub.count() != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", sub.count())
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	b := New()
	sub := &recordingSub{}
	b.Unsubscribe("plan-1", sub) // never subscribed
}
