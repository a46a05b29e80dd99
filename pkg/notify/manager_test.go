package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore implements Store with overridable behavior per test.
type fakeStore struct {
	ListFunc        func(ctx context.Context, offset, limit int) ([]Notification, error)
	MarkReadFunc    func(ctx context.Context, id string) (bool, error)
	MarkAllReadFunc func(ctx context.Context) (int64, error)
	UnreadCountFunc func(ctx context.Context) (int64, error)

	markReadCalls int
}

func (s *fakeStore) List(ctx context.Context, offset, limit int) ([]Notification, error) {
	if s.ListFunc != nil {
		return s.ListFunc(ctx, offset, limit)
	}
	return nil, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, id string) (bool, error) {
	s.markReadCalls++
	if s.MarkReadFunc != nil {
		return s.MarkReadFunc(ctx, id)
	}
	return true, nil
}

func (s *fakeStore) MarkAllRead(ctx context.Context) (int64, error) {
	if s.MarkAllReadFunc != nil {
		return s.MarkAllReadFunc(ctx)
	}
	return 0, nil
}

func (s *fakeStore) UnreadCount(ctx context.Context) (int64, error) {
	if s.UnreadCountFunc != nil {
		return s.UnreadCountFunc(ctx)
	}
	return 0, nil
}

func mkNotif(id string, createdAt time.Time, read bool) Notification {
	n := Notification{
		ID:        id,
		Kind:      KindRequestCreated,
		Title:     "title " + id,
		CreatedAt: createdAt,
		Read:      read,
	}
	if read {
		at := createdAt.Add(time.Minute)
		n.ReadAt = &at
	}
	return n
}

func TestRefreshReplacesWholesale(t *testing.T) {
	base := time.Now()
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			if offset != 0 || limit != 50 {
				t.Errorf("List(offset=%d, limit=%d), want (0, 50)", offset, limit)
			}
			return []Notification{
				mkNotif("n2", base.Add(time.Second), false),
				mkNotif("n1", base, true),
			}, nil
		},
	}
	m := NewManager(store, nil)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := m.Snapshot()
	if len(snap.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(snap.Items))
	}
	if snap.Unread != 1 {
		t.Errorf("unread = %d, want 1", snap.Unread)
	}
	if snap.Loading {
		t.Error("loading still set after refresh")
	}
}

func TestRefreshFailureLeavesStateUnchanged(t *testing.T) {
	base := time.Now()
	calls := 0
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			calls++
			if calls == 1 {
				return []Notification{mkNotif("n1", base, false)}, nil
			}
			return nil, ErrUnavailable
		},
	}
	m := NewManager(store, nil)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	err := m.Refresh(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second Refresh error = %v, want ErrUnavailable", err)
	}

	snap := m.Snapshot()
	if len(snap.Items) != 1 || snap.Unread != 1 {
		t.Errorf("state changed on failed refresh: %d items, %d unread", len(snap.Items), snap.Unread)
	}
	if snap.Loading {
		t.Error("loading still set after failed refresh")
	}
}

// A push arriving between a refresh's request and response must not be
// lost when the response is applied.
func TestPushDuringRefreshIsNotLost(t *testing.T) {
	base := time.Now()
	a := mkNotif("a", base.Add(2*time.Second), false)
	b := mkNotif("b", base.Add(1*time.Second), false)
	c := mkNotif("c", base.Add(3*time.Second), false)

	started := make(chan struct{})
	release := make(chan struct{})
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			close(started)
			<-release
			// Server page does not include c yet.
			return []Notification{a, b}, nil
		},
	}
	m := NewManager(store, nil)

	done := make(chan error, 1)
	go func() { done <- m.Refresh(context.Background()) }()

	<-started
	m.ReceivePush(c)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := m.Snapshot()
	if len(snap.Items) != 3 {
		t.Fatalf("got %d items, want 3 (push lost?)", len(snap.Items))
	}
	if snap.Unread != 3 {
		t.Errorf("unread = %d, want 3", snap.Unread)
	}
	// c is the newest and must have been merged back in front.
	if snap.Items[0].ID != "c" {
		t.Errorf("items[0] = %s, want c", snap.Items[0].ID)
	}
}

// Overlapping refresh calls coalesce onto one in-flight pull instead of
// interleaving two.
func TestRefreshCoalescesConcurrentCalls(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	started := make(chan struct{})
	release := make(chan struct{})
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(started)
				<-release
			}
			return []Notification{mkNotif("n1", time.Now(), false)}, nil
		},
	}
	m := NewManager(store, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Refresh(context.Background())
	}()
	<-started

	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_ = m.Refresh(context.Background())
		}()
	}
	// Give the joiners time to attach to the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("List called %d times, want 1 (coalesced)", calls)
	}
}

func TestPushDeduplicatesByID(t *testing.T) {
	base := time.Now()
	m := NewManager(&fakeStore{}, nil)

	n := mkNotif("n1", base, false)
	m.ReceivePush(n)
	m.ReceivePush(n) // duplicate delivery

	snap := m.Snapshot()
	if len(snap.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(snap.Items))
	}
	if snap.Unread != 1 {
		t.Errorf("unread = %d, want 1", snap.Unread)
	}
}

func TestPushNeverUnsetsRead(t *testing.T) {
	base := time.Now()
	m := NewManager(&fakeStore{}, nil)

	m.ReceivePush(mkNotif("n1", base, true))
	// A stale duplicate claiming unread must not win over read state.
	m.ReceivePush(mkNotif("n1", base, false))

	snap := m.Snapshot()
	if !snap.Items[0].Read {
		t.Error("read state flapped back to unread")
	}
	if snap.Unread != 0 {
		t.Errorf("unread = %d, want 0", snap.Unread)
	}
}

// Property: marking the same notification read twice yields the same end
// state as marking it once.
func TestMarkOneReadIdempotent(t *testing.T) {
	base := time.Now()
	marked := false
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			return []Notification{
				mkNotif("n1", base.Add(time.Second), false),
				mkNotif("n2", base, false),
			}, nil
		},
		MarkReadFunc: func(ctx context.Context, id string) (bool, error) {
			transitioned := !marked
			marked = true
			return transitioned, nil
		},
	}
	m := NewManager(store, nil)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := m.MarkOneRead(context.Background(), "n1"); err != nil {
		t.Fatalf("first MarkOneRead: %v", err)
	}
	if err := m.MarkOneRead(context.Background(), "n1"); err != nil {
		t.Fatalf("second MarkOneRead: %v", err)
	}

	snap := m.Snapshot()
	if snap.Unread != 1 {
		t.Errorf("unread = %d, want 1 (decremented exactly once)", snap.Unread)
	}
	for _, n := range snap.Items {
		if n.ID == "n1" {
			if !n.Read || n.ReadAt == nil {
				t.Error("n1 not marked read locally")
			}
		}
	}
}

// A refresh whose page was fetched before a local mark committed must not
// flip the marked item back to unread when the page is applied.
func TestRefreshDoesNotUnsetLocalRead(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	base := time.Now()
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			close(started)
			<-release
			// Snapshot taken before the mark committed server-side.
			return []Notification{mkNotif("n1", base, false)}, nil
		},
		MarkReadFunc: func(ctx context.Context, id string) (bool, error) {
			return true, nil
		},
	}
	m := NewManager(store, nil)
	m.ReceivePush(mkNotif("n1", base, false))

	done := make(chan error, 1)
	go func() { done <- m.Refresh(context.Background()) }()
	<-started

	if err := m.MarkOneRead(context.Background(), "n1"); err != nil {
		t.Fatalf("MarkOneRead: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := m.Snapshot()
	if len(snap.Items) != 1 || !snap.Items[0].Read {
		t.Fatalf("items = %+v, want n1 still read", snap.Items)
	}
	if snap.Unread != 0 {
		t.Errorf("unread = %d, want 0", snap.Unread)
	}
}

// The retention worker can prune a record while it is still on screen;
// marking it read is then a no-op success, not an error.
func TestMarkOneReadPrunedRecordIsBenign(t *testing.T) {
	store := &fakeStore{
		MarkReadFunc: func(ctx context.Context, id string) (bool, error) {
			return false, nil
		},
	}
	m := NewManager(store, nil)
	m.ReceivePush(mkNotif("n1", time.Now(), false))

	if err := m.MarkOneRead(context.Background(), "n1"); err != nil {
		t.Fatalf("MarkOneRead: %v, want benign success", err)
	}
	snap := m.Snapshot()
	if !snap.Items[0].Read {
		t.Error("item not marked read locally")
	}
	if snap.Unread != 0 {
		t.Errorf("unread = %d, want 0", snap.Unread)
	}
}

func TestMarkOneReadUnknownID(t *testing.T) {
	m := NewManager(&fakeStore{}, nil)
	err := m.MarkOneRead(context.Background(), "ghost")
	if !errors.Is(err, ErrUnknownNotification) {
		t.Fatalf("err = %v, want ErrUnknownNotification", err)
	}
}

func TestMarkOneReadFailureLeavesStateUnchanged(t *testing.T) {
	base := time.Now()
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			return []Notification{mkNotif("n1", base, false)}, nil
		},
		MarkReadFunc: func(ctx context.Context, id string) (bool, error) {
			return false, ErrUnavailable
		},
	}
	m := NewManager(store, nil)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	err := m.MarkOneRead(context.Background(), "n1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	snap := m.Snapshot()
	if snap.Items[0].Read || snap.Unread != 1 {
		t.Error("local state corrupted by failed mutation")
	}
}

// Property: mark-all-read clears unread deterministically and reports the
// server's transition count.
func TestMarkAllRead(t *testing.T) {
	base := time.Now()
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			return []Notification{
				mkNotif("n5", base.Add(5*time.Second), false),
				mkNotif("n4", base.Add(4*time.Second), true),
				mkNotif("n3", base.Add(3*time.Second), false),
				mkNotif("n2", base.Add(2*time.Second), true),
				mkNotif("n1", base.Add(1*time.Second), false),
			}, nil
		},
		MarkAllReadFunc: func(ctx context.Context) (int64, error) {
			return 3, nil
		},
	}
	m := NewManager(store, nil)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	count, err := m.MarkAllRead(context.Background())
	if err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if count != 3 {
		t.Errorf("marked = %d, want 3", count)
	}

	snap := m.Snapshot()
	if snap.Unread != 0 {
		t.Errorf("unread = %d, want 0", snap.Unread)
	}
	for _, n := range snap.Items {
		if !n.Read {
			t.Errorf("%s still unread after MarkAllRead", n.ID)
		}
	}
}

// Property: a refresh response arriving after teardown must not
// repopulate state.
func TestTeardownDiscardsLateRefresh(t *testing.T) {
	base := time.Now()
	started := make(chan struct{})
	release := make(chan struct{})
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			close(started)
			<-release
			return []Notification{mkNotif("n1", base, false)}, nil
		},
	}
	m := NewManager(store, nil)

	done := make(chan error, 1)
	go func() { done <- m.Refresh(context.Background()) }()

	<-started
	m.Teardown()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("late refresh surfaced an error after teardown: %v", err)
	}

	snap := m.Snapshot()
	if len(snap.Items) != 0 || snap.Unread != 0 {
		t.Errorf("late refresh repopulated state: %d items, %d unread", len(snap.Items), snap.Unread)
	}
}

func TestTeardownDiscardsLatePush(t *testing.T) {
	m := NewManager(&fakeStore{}, nil)
	m.Teardown()
	m.ReceivePush(mkNotif("n1", time.Now(), false))

	snap := m.Snapshot()
	if len(snap.Items) != 0 || snap.Unread != 0 {
		t.Error("push applied after teardown")
	}
}

// Property: equal created_at orders by id alone, stable across refreshes.
func TestOrderingDeterministicOnEqualTimestamps(t *testing.T) {
	ts := time.Now().Truncate(time.Second)
	page := []Notification{
		mkNotif("bbb", ts, false),
		mkNotif("aaa", ts, false),
	}
	store := &fakeStore{
		ListFunc: func(ctx context.Context, offset, limit int) ([]Notification, error) {
			return page, nil
		},
	}
	m := NewManager(store, nil)

	var orders [][]string
	for i := 0; i < 3; i++ {
		if err := m.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
		var ids []string
		for _, n := range m.Snapshot().Items {
			ids = append(ids, n.ID)
		}
		orders = append(orders, ids)
	}

	for i := 1; i < len(orders); i++ {
		for j := range orders[i] {
			if orders[i][j] != orders[0][j] {
				t.Fatalf("order changed across refreshes: %v vs %v", orders[0], orders[i])
			}
		}
	}

	// Pushing an equal-timestamp item lands it by id comparison, ahead
	// of the smaller ids.
	m.ReceivePush(mkNotif("ccc", ts, false))
	ids := m.Snapshot().Items
	if ids[0].ID != "ccc" || ids[1].ID != "bbb" || ids[2].ID != "aaa" {
		t.Errorf("tie-broken order = [%s %s %s], want [ccc bbb aaa]", ids[0].ID, ids[1].ID, ids[2].ID)
	}
}

func TestPushInsertsInDisplayOrder(t *testing.T) {
	base := time.Now()
	m := NewManager(&fakeStore{}, nil)

	m.ReceivePush(mkNotif("mid", base.Add(2*time.Second), false))
	m.ReceivePush(mkNotif("old", base.Add(1*time.Second), false))
	m.ReceivePush(mkNotif("new", base.Add(3*time.Second), false))

	items := m.Snapshot().Items
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("items[%d] = %s, want %s", i, items[i].ID, id)
		}
	}
}
