package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorder struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []string
}

func (r *recorder) SubscriberID() string { return r.id }

func (r *recorder) Deliver(topic string, data []byte) error {
	if r.fail {
		return errors.New("closed")
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, topic+"|"+string(data))
	r.mu.Unlock()
	return nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestTopicNames(t *testing.T) {
	cases := map[string]string{
		SessionTopic("s1"):  "/topic/session/s1",
		EmployeeTopic("s1"): "/topic/employee/s1",
		TabletTopic("s1"):   "/topic/tablet/s1",
		ReplyTopic("p1"):    "/user/p1/queue/reply",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestBusPublishReachesOnlyTopicSubscribers(t *testing.T) {
	b := NewBus()
	a := &recorder{id: "a"}
	c := &recorder{id: "c"}
	b.Subscribe(SessionTopic("s1"), a)
	b.Subscribe(SessionTopic("s2"), c)

	n := b.Publish(context.Background(), SessionTopic("s1"), []byte("hi"))
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if got := a.received(); len(got) != 1 || got[0] != "/topic/session/s1|hi" {
		t.Errorf("unexpected messages for a: %v", got)
	}
	if got := c.received(); len(got) != 0 {
		t.Errorf("c should receive nothing, got %v", got)
	}
}

func TestBusSubscribeTwiceIsNoop(t *testing.T) {
	b := NewBus()
	a := &recorder{id: "a"}
	b.Subscribe("t", a)
	b.Subscribe("t", a)

	if b.SubscriberCount("t") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount("t"))
	}
	b.Publish(context.Background(), "t", []byte("x"))
	if len(a.received()) != 1 {
		t.Errorf("expected exactly one delivery, got %d", len(a.received()))
	}
}

func TestBusFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus()
	bad := &recorder{id: "bad", fail: true}
	good := &recorder{id: "good"}
	b.Subscribe("t", bad)
	b.Subscribe("t", good)

	n := b.Publish(context.Background(), "t", []byte("x"))
	if n != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", n)
	}
	if len(good.received()) != 1 {
		t.Errorf("good subscriber should still receive")
	}
	if st := b.Stats(); st.Failed != 1 || st.Delivered != 1 || st.Published != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	a := &recorder{id: "a"}
	b.Subscribe("t1", a)
	b.Subscribe("t2", a)

	b.Unsubscribe("t1", "a")
	if b.SubscriberCount("t1") != 0 {
		t.Errorf("t1 should be empty")
	}
	if got := b.Topics(); len(got) != 1 || got[0] != "t2" {
		t.Errorf("expected only t2 to remain, got %v", got)
	}

	b.UnsubscribeAll("a")
	if len(b.Topics()) != 0 {
		t.Errorf("expected no topics, got %v", b.Topics())
	}
}

type fakeRelay struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeRelay) Publish(_ context.Context, topic string, _ []byte) error {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.mu.Unlock()
	return nil
}

func TestBusForwardsToRelay(t *testing.T) {
	b := NewBus()
	r := &fakeRelay{}
	b.SetRelay(r)

	b.Publish(context.Background(), "t", []byte("x"))
	b.PublishLocal("t", []byte("y"))

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.topics) != 1 || r.topics[0] != "t" {
		t.Errorf("relay should see only Publish calls, got %v", r.topics)
	}
}

func TestBusPublishExclude(t *testing.T) {
	b := NewBus()
	sender := &recorder{id: "sender"}
	peer := &recorder{id: "peer"}
	b.Subscribe("t", sender)
	b.Subscribe("t", peer)

	n := b.Publish(context.Background(), "t", []byte("x"), "sender")
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(sender.received()) != 0 {
		t.Error("excluded subscriber should not receive")
	}
	if len(peer.received()) != 1 {
		t.Error("peer should receive")
	}
}
