package broadcast_test

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/broadcast"
	"github.com/jensholdgaard/auction-engine/internal/protocol"
)

func newFabric(t *testing.T) *broadcast.Fabric {
	t.Helper()
	f := broadcast.New(slog.Default(), 256)
	f.Start()
	t.Cleanup(f.Stop)
	return f
}

func recvEvent(t *testing.T, sub *broadcast.Subscriber) protocol.Event {
	t.Helper()
	select {
	case frame := <-sub.Messages:
		var evt protocol.Event
		if err := json.Unmarshal(frame, &evt); err != nil {
			t.Fatalf("unmarshalling frame: %v", err)
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func TestDeliveryPreservesOrder(t *testing.T) {
	f := newFabric(t)
	sub := broadcast.NewSubscriber("c1", "u1", "alice", 16)
	f.Subscribe("a1", sub)

	for seq := int64(1); seq <= 5; seq++ {
		f.Publish(protocol.Event{Type: protocol.EvtNewBid, AuctionID: "a1", Seq: seq})
	}

	for want := int64(1); want <= 5; want++ {
		evt := recvEvent(t, sub)
		if evt.Seq != want {
			t.Fatalf("seq = %d, want %d", evt.Seq, want)
		}
	}
}

func TestDeliveryScopedToAuction(t *testing.T) {
	f := newFabric(t)
	a := broadcast.NewSubscriber("c1", "u1", "alice", 16)
	b := broadcast.NewSubscriber("c2", "u2", "bob", 16)
	f.Subscribe("a1", a)
	f.Subscribe("a2", b)

	f.Publish(protocol.Event{Type: protocol.EvtNewBid, AuctionID: "a1", Seq: 1})

	if evt := recvEvent(t, a); evt.AuctionID != "a1" {
		t.Errorf("auctionID = %s, want a1", evt.AuctionID)
	}
	select {
	case frame := <-b.Messages:
		t.Fatalf("subscriber of a2 received %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newFabric(t)
	sub := broadcast.NewSubscriber("c1", "u1", "alice", 16)
	f.Subscribe("a1", sub)
	f.Unsubscribe("a1", sub)

	f.Publish(protocol.Event{Type: protocol.EvtNewBid, AuctionID: "a1", Seq: 1})

	select {
	case frame := <-sub.Messages:
		t.Fatalf("unsubscribed subscriber received %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
	if f.Count("a1") != 0 {
		t.Errorf("count = %d, want 0", f.Count("a1"))
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	f := newFabric(t)
	slow := broadcast.NewSubscriber("c1", "u1", "alice", 1)
	fast := broadcast.NewSubscriber("c2", "u2", "bob", 16)
	f.Subscribe("a1", slow)
	f.Subscribe("a1", fast)

	// The slow subscriber's buffer holds one frame; the second overflows
	// it and must evict it without stalling the fast one.
	for seq := int64(1); seq <= 3; seq++ {
		f.Publish(protocol.Event{Type: protocol.EvtNewBid, AuctionID: "a1", Seq: seq})
	}

	for want := int64(1); want <= 3; want++ {
		if evt := recvEvent(t, fast); evt.Seq != want {
			t.Fatalf("fast subscriber seq = %d, want %d", evt.Seq, want)
		}
	}

	select {
	case <-slow.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not evicted")
	}
	if f.Count("a1") != 1 {
		t.Errorf("count after eviction = %d, want 1", f.Count("a1"))
	}
}

func TestMembers(t *testing.T) {
	f := newFabric(t)
	sub := broadcast.NewSubscriber("c1", "u1", "alice", 16)
	f.Subscribe("a1", sub)

	members := f.Members("a1")
	if len(members) != 1 || members[0].Username != "alice" {
		t.Errorf("members = %+v, want [alice]", members)
	}
}
