package broadcast

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/subcast/internal/subtitle"
)

func TestHubDeliversToAllSubscribersInOrder(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(16, logger)

	const subscribers = 3
	const published = 5

	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = hub.Subscribe()
	}

	for id := uint64(1); id <= published; id++ {
		hub.Publish(subtitle.Subtitle{ID: id})
	}

	for i, s := range subs {
		for want := uint64(1); want <= published; want++ {
			select {
			case got := <-s.C():
				if got.ID != want {
					t.Errorf("subscriber %d: expected id %d, got %d", i, want, got.ID)
				}
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d: timed out waiting for id %d", i, want)
			}
		}
		if s.Dropped() != 0 {
			t.Errorf("subscriber %d: expected no drops, got %d", i, s.Dropped())
		}
	}
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(2, logger)

	slow := hub.Subscribe()
	for id := uint64(1); id <= 5; id++ {
		hub.Publish(subtitle.Subtitle{ID: id})
	}

	// Queue depth is 2 and nothing was drained, so the three oldest are
	// gone and the newest two remain, still in publish order.
	if got := (<-slow.C()).ID; got != 4 {
		t.Errorf("expected id 4 first, got %d", got)
	}
	if got := (<-slow.C()).ID; got != 5 {
		t.Errorf("expected id 5 second, got %d", got)
	}
	if slow.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", slow.Dropped())
	}
}

func TestHubSubscriptionSeesNoHistory(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(16, logger)

	hub.Publish(subtitle.Subtitle{ID: 1})

	late := hub.Subscribe()
	hub.Publish(subtitle.Subtitle{ID: 2})

	if got := (<-late.C()).ID; got != 2 {
		t.Errorf("late subscriber should only see id 2, got %d", got)
	}
	select {
	case sub := <-late.C():
		t.Errorf("unexpected extra subtitle %d", sub.ID)
	default:
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(16, logger)

	s := hub.Subscribe()
	s.Cancel()
	s.Cancel() // idempotent

	hub.Publish(subtitle.Subtitle{ID: 1})

	if _, ok := <-s.C(); ok {
		t.Error("expected channel to be closed after cancel")
	}
}

func TestHubCloseCancelsAllSubscriptions(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(16, logger)

	a := hub.Subscribe()
	b := hub.Subscribe()
	hub.Close()

	if _, ok := <-a.C(); ok {
		t.Error("expected subscription a closed")
	}
	if _, ok := <-b.C(); ok {
		t.Error("expected subscription b closed")
	}
}
