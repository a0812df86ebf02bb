package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
)

type fakeLink struct{ closed int }

func (l *fakeLink) Close() { l.closed++ }

func viewerIDs(n int) []domain.PeerID {
	out := make([]domain.PeerID, n)
	for i := range out {
		out[i] = domain.PeerID(fmt.Sprintf("v%d", i+1))
	}
	return out
}

func TestRegistryNeverExceedsCapacity(t *testing.T) {
	var rejected []domain.PeerID
	r := NewViewerRegistry(domain.MaxViewers, RegistryHooks{
		Rejected: func(id domain.PeerID, _ int) { rejected = append(rejected, id) },
	})
	ids := viewerIDs(7)
	for _, id := range ids[:6] {
		require.True(t, r.Admit(id))
	}
	assert.False(t, r.Admit(ids[6]))
	assert.Equal(t, 6, r.Len())
	assert.True(t, r.Full())
	assert.Equal(t, []domain.PeerID{ids[6]}, rejected)
	assert.Equal(t, []domain.PeerID{ids[6]}, r.Waiting())

	assert.False(t, r.Admit(ids[0]), "duplicate admit is a no-op")
	assert.Equal(t, 6, r.Len())

	// a viewer already waiting is not turned away twice
	assert.False(t, r.Admit(ids[6]))
	assert.Equal(t, []domain.PeerID{ids[6]}, rejected)
	assert.Equal(t, []domain.PeerID{ids[6]}, r.Waiting())
}

func TestRegistryWaitlistAdmitsOldestOnRemove(t *testing.T) {
	cleared := 0
	r := NewViewerRegistry(2, RegistryHooks{FullCleared: func() { cleared++ }})
	require.True(t, r.Admit("a"))
	require.True(t, r.Admit("b"))
	assert.False(t, r.Admit("c"))
	assert.False(t, r.Admit("d"))
	assert.False(t, r.Admit("c"))
	assert.Equal(t, []domain.PeerID{"c", "d"}, r.Waiting())

	// a waiting viewer that leaves is forgotten
	assert.Empty(t, r.Remove("d"))
	assert.Equal(t, []domain.PeerID{"c"}, r.Waiting())
	assert.True(t, r.Full())

	assert.Equal(t, []domain.PeerID{"c"}, r.Remove("a"))
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("c")
	assert.True(t, ok)
	assert.False(t, r.Full())
	assert.Equal(t, 1, cleared)

	assert.Empty(t, r.Remove("b"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, cleared)
}

func TestRegistryBringUpAndConnectedCount(t *testing.T) {
	var counts []int
	links := map[domain.PeerID]*fakeLink{}
	r := NewViewerRegistry(0, RegistryHooks{
		BringUp: func(e *ViewerEntry) {
			l := &fakeLink{}
			links[e.PeerID] = l
			e.Link = l
		},
		ConnectedChanged: func(n int) { counts = append(counts, n) },
	})
	assert.Equal(t, domain.MaxViewers, r.Capacity())

	require.True(t, r.Admit("a"))
	assert.Empty(t, links, "no bring-up before media is active")

	r.SetMediaActive(true)
	require.Contains(t, links, domain.PeerID("a"))
	require.True(t, r.Admit("b"))
	require.Contains(t, links, domain.PeerID("b"))

	r.SetState("a", links["a"], webrtc.PeerConnectionStateConnected)
	r.SetState("b", links["b"], webrtc.PeerConnectionStateConnected)
	r.SetState("b", &fakeLink{}, webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 2, r.Connected())

	var seen []domain.PeerID
	r.ForEachConnected(func(e *ViewerEntry) { seen = append(seen, e.PeerID) })
	assert.Equal(t, []domain.PeerID{"a", "b"}, seen)

	r.Remove("a")
	assert.Equal(t, 1, links["a"].closed)
	assert.Equal(t, 1, r.Connected())

	r.SetMediaActive(false)
	assert.Equal(t, 1, links["b"].closed)
	assert.Equal(t, 0, r.Connected())
	e, ok := r.Get("b")
	require.True(t, ok)
	assert.Nil(t, e.Link)
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestRosterOrderHostFirst(t *testing.T) {
	r := NewRoster()
	r.Upsert("p2", "Zed", domain.RoleViewer)
	r.Upsert("p1", "Amy", domain.RoleHost)
	assert.Equal(t, []domain.Member{
		{PeerID: "p1", Name: "Amy", Role: domain.RoleHost},
		{PeerID: "p2", Name: "Zed", Role: domain.RoleViewer},
	}, r.List())

	r.Upsert("p3", "bob", domain.RoleViewer)
	r.Upsert("p4", "Aaron", domain.RoleViewer)
	names := []string{}
	for _, m := range r.List() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"Amy", "Aaron", "bob", "Zed"}, names)
}

func TestRosterUpsertKeepsKnownName(t *testing.T) {
	r := NewRoster()
	r.Upsert("p", "Alice", domain.RoleViewer)
	m := r.Upsert("p", domain.UnknownName, domain.RoleViewer)
	assert.Equal(t, "Alice", m.Name)
	got, _ := r.Get("p")
	assert.Equal(t, "Alice", got.Name)

	r.Upsert("p", "", domain.RoleViewer)
	got, _ = r.Get("p")
	assert.Equal(t, "Alice", got.Name)

	r.Upsert("p", "Alicia", domain.RoleViewer)
	got, _ = r.Get("p")
	assert.Equal(t, "Alicia", got.Name)

	r.Upsert("q", domain.UnknownName, domain.RoleViewer)
	got, _ = r.Get("q")
	assert.Equal(t, domain.UnknownName, got.Name)
}

type recordingSignaler struct {
	sent []protocol.Message
	open bool
}

func (s *recordingSignaler) Send(m protocol.Message) bool {
	if !s.open {
		return false
	}
	s.sent = append(s.sent, m)
	return true
}

func TestRosterBroadcastToEachViewer(t *testing.T) {
	r := NewRoster()
	r.Upsert("h", "Host", domain.RoleHost)
	r.Upsert("v1", "Sam", domain.RoleViewer)
	r.Upsert("v2", "Kim", domain.RoleViewer)

	sig := &recordingSignaler{open: true}
	assert.Equal(t, 2, r.Broadcast(sig))
	require.Len(t, sig.sent, 2)
	targets := []domain.PeerID{sig.sent[0].To, sig.sent[1].To}
	assert.ElementsMatch(t, []domain.PeerID{"v1", "v2"}, targets)
	roster, ok := sig.sent[0].Data.Payload.(protocol.Roster)
	require.True(t, ok)
	assert.Equal(t, r.List(), roster.Members)

	assert.Equal(t, 0, r.Broadcast(&recordingSignaler{}))

	r.Replace([]domain.Member{{PeerID: "x", Name: "X", Role: domain.RoleHost}})
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, r.Broadcast(sig))
}

func TestEventLogRingAndSubscribers(t *testing.T) {
	l := NewEventLog("test", 3)
	var got []string
	off := l.Subscribe(func(e Event) { got = append(got, e.Text) })
	for i := 1; i <= 5; i++ {
		l.Info(fmt.Sprintf("e%d", i))
	}
	off()
	off()
	l.Error("after")

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "e4", entries[0].Text)
	assert.Equal(t, "e5", entries[1].Text)
	assert.Equal(t, "after", entries[2].Text)
	assert.Equal(t, EventError, entries[2].Level)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, got)

	l.Reset()
	assert.Empty(t, l.Entries())
	l.Notice("fresh")
	assert.Len(t, l.Entries(), 1)
}

func TestEventLogDefaultSize(t *testing.T) {
	l := NewEventLog("test", 0)
	for i := 0; i < 30; i++ {
		l.Info("x")
	}
	assert.Len(t, l.Entries(), DefaultEventLogSize)
}

func TestIdentityProfileReady(t *testing.T) {
	id := NewIdentity("AB23CD", domain.RoleViewer, "  Sam ")
	assert.Equal(t, "Sam", id.Name())
	assert.False(t, id.ProfileReady())
	id.SetSelf("v")
	assert.False(t, id.ProfileReady())
	id.SetHost("h")
	assert.True(t, id.ProfileReady())
	id.Reset()
	assert.False(t, id.ProfileReady())
	assert.Equal(t, "Sam", id.Name())

	assert.Equal(t, domain.UnknownName, NewIdentity("AB23CD", domain.RoleViewer, "").Name())
}

func TestLoopSerializesAndStops(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Do(ctx, func() {
				mu.Lock()
				order = append(order, len(order))
				mu.Unlock()
			}))
		}()
	}
	wg.Wait()
	assert.Len(t, order, 50)

	nested := make(chan struct{})
	l.Post(func() { l.Post(func() { close(nested) }) })
	select {
	case <-nested:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}

	cancel()
	<-l.Done()
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrLoopStopped)
}
