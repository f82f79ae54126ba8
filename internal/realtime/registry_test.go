package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onyxchat/backend/internal/observability"
)

type presenceEvent struct {
	userID uuid.UUID
	online bool
}

type presenceRecorder struct {
	mu     sync.Mutex
	events []presenceEvent
}

func (p *presenceRecorder) record(userID uuid.UUID, online bool) {
	p.mu.Lock()
	p.events = append(p.events, presenceEvent{userID, online})
	p.mu.Unlock()
}

func (p *presenceRecorder) all() []presenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceEvent(nil), p.events...)
}

func TestRegistryPresenceTransitions(t *testing.T) {
	reg := NewRegistry(nil, nil)
	rec := &presenceRecorder{}
	reg.SetPresenceHandler(rec.record)

	uid := uuid.New()
	c1, c2 := newTestConn(uid), newTestConn(uid)

	if !reg.Register(c1) {
		t.Fatal("first connection should report first")
	}
	if reg.Register(c2) {
		t.Fatal("second connection should not report first")
	}
	if reg.Deregister(uid, c1.ID) {
		t.Fatal("removing one of two connections should not report last")
	}
	if !reg.IsOnline(uid) {
		t.Fatal("user with one connection left should be online")
	}
	if !reg.Deregister(uid, c2.ID) {
		t.Fatal("removing the final connection should report last")
	}
	if reg.IsOnline(uid) || reg.OnlineUsers() != 0 {
		t.Fatal("user without connections must not be present")
	}

	want := []presenceEvent{{uid, true}, {uid, false}}
	got := rec.all()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("presence events = %+v, want %+v", got, want)
	}
}

func TestRegistryDeregisterUnknownIsNoop(t *testing.T) {
	reg := NewRegistry(nil, nil)
	rec := &presenceRecorder{}
	reg.SetPresenceHandler(rec.record)

	uid := uuid.New()
	c := newTestConn(uid)
	reg.Register(c)

	if reg.Deregister(uid, "missing") {
		t.Fatal("unknown connection reported as last")
	}
	if reg.Deregister(uuid.New(), c.ID) {
		t.Fatal("connection under a different user reported as last")
	}
	if len(rec.all()) != 1 {
		t.Fatalf("unexpected presence events %+v", rec.all())
	}
}

func TestRegistrySendReachesEveryOpenConnection(t *testing.T) {
	reg := NewRegistry(nil, nil)
	uid := uuid.New()
	conns := []*Connection{newTestConn(uid), newTestConn(uid), newTestConn(uid)}
	for _, c := range conns {
		reg.Register(c)
	}
	conns[2].Terminate()

	if n := reg.Send(uid, Frame{Type: TypeTyping}); n != 2 {
		t.Fatalf("Send delivered to %d connections, want 2", n)
	}
	for _, c := range conns[:2] {
		if f := nextFrame(t, c); f.Type != TypeTyping {
			t.Fatalf("got %q", f.Type)
		}
	}
	if n := reg.Send(uuid.New(), Frame{Type: TypeTyping}); n != 0 {
		t.Fatalf("Send to absent user delivered %d", n)
	}
}

func TestRegistrySendSkipsFullBuffer(t *testing.T) {
	reg := NewRegistry(nil, nil)
	uid := uuid.New()
	c := newConnection(uid, nil, 1)
	reg.Register(c)

	if n := reg.Send(uid, Frame{Type: TypePong}); n != 1 {
		t.Fatalf("first send = %d", n)
	}
	if n := reg.Send(uid, Frame{Type: TypePong}); n != 0 {
		t.Fatalf("send into full buffer = %d, want 0", n)
	}
}

type recordingFanout struct {
	mu    sync.Mutex
	users []uuid.UUID
}

func (r *recordingFanout) PublishUserFrame(userID uuid.UUID, _ []byte) error {
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.mu.Unlock()
	return nil
}

func TestRegistrySendPublishesToFanout(t *testing.T) {
	reg := NewRegistry(nil, nil)
	fan := &recordingFanout{}
	reg.SetFanout(fan)

	uid := uuid.New()
	if n := reg.Send(uid, Frame{Type: TypeUserStatus}); n != 0 {
		t.Fatalf("local delivery = %d", n)
	}
	if len(fan.users) != 1 || fan.users[0] != uid {
		t.Fatalf("fanout users = %v", fan.users)
	}

	c := newTestConn(uid)
	reg.Register(c)
	payload, _ := Frame{Type: TypeNewMessage}.encode()
	if n := reg.deliverLocal(uid, payload); n != 1 {
		t.Fatalf("deliverLocal = %d", n)
	}
	if len(fan.users) != 1 {
		t.Fatal("deliverLocal must not republish")
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry(nil, m)
	rec := &presenceRecorder{}
	reg.SetPresenceHandler(rec.record)

	uid := uuid.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestConn(uid)
			reg.Register(c)
			reg.Send(uid, Frame{Type: TypeTyping})
			reg.Deregister(uid, c.ID)
		}()
	}
	wg.Wait()

	if reg.IsOnline(uid) || len(reg.Connections()) != 0 {
		t.Fatal("registry should be empty after churn")
	}
	if got := testutil.ToFloat64(m.ActiveConnections); got != 0 {
		t.Fatalf("active connections gauge = %v", got)
	}

	events := rec.all()
	if len(events) == 0 || len(events)%2 != 0 {
		t.Fatalf("got %d presence events, want a non-zero even count", len(events))
	}
	for i, e := range events {
		if e.online != (i%2 == 0) {
			t.Fatalf("event %d online=%v, events must alternate starting online", i, e.online)
		}
	}
}

func TestRegistrySlowOfflineHookKeepsOrder(t *testing.T) {
	reg := NewRegistry(nil, nil)
	rec := &presenceRecorder{}
	reg.SetPresenceHandler(func(userID uuid.UUID, online bool) {
		if !online {
			time.Sleep(50 * time.Millisecond)
		}
		rec.record(userID, online)
	})

	uid := uuid.New()
	a, b := newTestConn(uid), newTestConn(uid)
	reg.Register(a)

	done := make(chan struct{})
	go func() {
		reg.Deregister(uid, a.ID)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	reg.Register(b)
	<-done

	if !reg.IsOnline(uid) {
		t.Fatal("user should be online through the second connection")
	}
	events := rec.all()
	if len(events) == 0 || !events[len(events)-1].online {
		t.Fatalf("events = %+v, last event must be online", events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].online == events[i-1].online {
			t.Fatalf("events = %+v, repeated state", events)
		}
	}
}

// sharedCluster stands in for Redis across several registries.
type sharedCluster struct {
	mu      sync.Mutex
	holders map[uuid.UUID]map[string]bool
}

func (s *sharedCluster) member(instance string) PresenceCluster {
	return clusterMember{s, instance}
}

type clusterMember struct {
	s        *sharedCluster
	instance string
}

func (m clusterMember) Join(_ context.Context, userID uuid.UUID) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.holders == nil {
		m.s.holders = make(map[uuid.UUID]map[string]bool)
	}
	if m.s.holders[userID] == nil {
		m.s.holders[userID] = make(map[string]bool)
	}
	m.s.holders[userID][m.instance] = true
	return len(m.s.holders[userID]) == 1, nil
}

func (m clusterMember) Leave(_ context.Context, userID uuid.UUID) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.holders[userID], m.instance)
	return len(m.s.holders[userID]) == 0, nil
}

func TestRegistryClusterPresence(t *testing.T) {
	cluster := &sharedCluster{}
	rec := &presenceRecorder{}
	one, two := NewRegistry(nil, nil), NewRegistry(nil, nil)
	for i, reg := range []*Registry{one, two} {
		reg.SetCluster(cluster.member(fmt.Sprint("instance-", i)))
		reg.SetPresenceHandler(rec.record)
	}

	uid := uuid.New()
	c1, c2 := newTestConn(uid), newTestConn(uid)
	one.Register(c1)
	two.Register(c2)
	if got := rec.all(); len(got) != 1 || !got[0].online {
		t.Fatalf("events = %+v, want a single online", got)
	}

	one.Deregister(uid, c1.ID)
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("offline announced while connected elsewhere: %+v", got)
	}

	two.Deregister(uid, c2.ID)
	if got := rec.all(); len(got) != 2 || got[1].online {
		t.Fatalf("events = %+v, want online then offline", got)
	}
}

type failingCluster struct{}

func (failingCluster) Join(context.Context, uuid.UUID) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingCluster) Leave(context.Context, uuid.UUID) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRegistryClusterErrorFallsBackToLocal(t *testing.T) {
	reg := NewRegistry(nil, nil)
	rec := &presenceRecorder{}
	reg.SetCluster(failingCluster{})
	reg.SetPresenceHandler(rec.record)

	uid := uuid.New()
	c := newTestConn(uid)
	reg.Register(c)
	reg.Deregister(uid, c.ID)
	if got := rec.all(); len(got) != 2 {
		t.Fatalf("events = %+v, want local online and offline", got)
	}
}
