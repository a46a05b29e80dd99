package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ConnState is the delivery channel's connection state as observed by the
// presentation layer. Never persisted.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// refreshPageSize is how much of the list a full resync pulls.
const refreshPageSize = 50

// ErrUnknownNotification is returned by MarkOneRead for an id not present
// in the local list.
var ErrUnknownNotification = errors.New("notification not in local state")

// ErrTornDown is returned by mutation entry points after Teardown; a
// Manager is built per authenticated session and never revived.
var ErrTornDown = errors.New("notification state torn down")

// Snapshot is a consistent read of the manager's state for rendering.
type Snapshot struct {
	Items     []Notification
	Unread    int
	Loading   bool
	ConnState ConnState
}

// Manager owns the single in-memory view of the user's notifications:
// the item list, the unread count, the loading flag and the connection
// state. All mutation is serialized through its methods; the struct's
// mutex is the single logical writer the merge semantics depend on.
type Manager struct {
	store  Store
	logger *zap.Logger

	sf singleflight.Group

	mu         sync.Mutex
	items      []Notification
	unread     int
	loading    bool
	connState  ConnState
	generation uint64
	refreshing bool
	// pending buffers pushes that arrive while a list pull is in
	// flight, for replay after the wholesale replace.
	pending []Notification
	down    bool
}

// NewManager creates a manager bound to one authenticated session. After
// Teardown a fresh Manager is built for the next session; the local
// mirror is disposable by design.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger,
	}
}

// Snapshot returns a copy of the current view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Notification, len(m.items))
	copy(items, m.items)
	return Snapshot{
		Items:     items,
		Unread:    m.unread,
		Loading:   m.loading,
		ConnState: m.connState,
	}
}

// Unread returns the current unread count.
func (m *Manager) Unread() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

// ConnState returns the delivery channel state.
func (m *Manager) ConnState() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connState
}

// Refresh pulls the first page of notifications and resyncs the local
// view wholesale. A locally read item stays read even when the fetched
// page predates the mark. Overlapping calls coalesce onto one in-flight
// pull.
// Pushes arriving mid-pull are buffered and re-merged after the page is
// applied, so a concurrent push is never lost to the replace. On store
// failure local state is untouched and the error is returned, unless
// teardown happened mid-flight, in which case the result is discarded.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		m.mu.Lock()
		if m.down {
			m.mu.Unlock()
			return nil, ErrTornDown
		}
		gen := m.generation
		m.loading = true
		m.refreshing = true
		m.pending = m.pending[:0]
		m.mu.Unlock()

		page, err := m.store.List(ctx, 0, refreshPageSize)

		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation {
			// Torn down while the pull was in flight; the result is
			// discarded entirely, including the error.
			return nil, nil
		}
		m.loading = false
		m.refreshing = false
		if err != nil {
			m.pending = nil
			return nil, err
		}

		items := make([]Notification, len(page))
		copy(items, page)
		// A mark that committed while the pull was in flight must not be
		// undone by the stale snapshot; read state only moves forward.
		for i := range items {
			if items[i].Read {
				continue
			}
			for j := range m.items {
				if m.items[j].ID == items[i].ID && m.items[j].Read {
					items[i].Read = true
					items[i].ReadAt = m.items[j].ReadAt
					break
				}
			}
		}
		m.items = items
		for i := range m.pending {
			m.mergeLocked(m.pending[i])
		}
		m.pending = nil
		m.recountLocked()
		return nil, nil
	})
	return err
}

// ReceivePush merges one pushed notification into local state. Called by
// the supervisor's read loop; safe to call concurrently with an in-flight
// Refresh.
func (m *Manager) ReceivePush(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return
	}
	if m.refreshing {
		m.pending = append(m.pending, n)
	}
	m.mergeLocked(n)
	m.recountLocked()
}

// MarkOneRead marks a locally known notification read on the server,
// then mirrors the transition locally. The local readAt stamp is an
// approximation; the next Refresh reconciles it to server truth.
func (m *Manager) MarkOneRead(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return ErrTornDown
	}
	gen := m.generation
	found := false
	for i := range m.items {
		if m.items[i].ID == id {
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return ErrUnknownNotification
	}

	// "Already read" comes back as marked=false and is still success.
	if _, err := m.store.MarkRead(ctx, id); err != nil {
		if m.discarded(gen) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return nil
	}
	for i := range m.items {
		if m.items[i].ID == id && !m.items[i].Read {
			now := time.Now()
			m.items[i].Read = true
			m.items[i].ReadAt = &now
			break
		}
	}
	m.recountLocked()
	return nil
}

// MarkAllRead marks every notification read on the server, mirrors the
// transition locally and reports the server's transition count for user
// feedback.
func (m *Manager) MarkAllRead(ctx context.Context) (int64, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return 0, ErrTornDown
	}
	gen := m.generation
	m.mu.Unlock()

	count, err := m.store.MarkAllRead(ctx)
	if err != nil {
		if m.discarded(gen) {
			return 0, nil
		}
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return 0, nil
	}
	now := time.Now()
	for i := range m.items {
		if !m.items[i].Read {
			m.items[i].Read = true
			m.items[i].ReadAt = &now
		}
	}
	m.unread = 0
	return count, nil
}

// Teardown clears all local state in one critical section: bump the
// generation so in-flight results get discarded at apply time, empty the
// list, zero the count. Called on logout/unmount via Supervisor.Stop.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.down = true
	m.items = nil
	m.unread = 0
	m.loading = false
	m.refreshing = false
	m.pending = nil
	m.connState = StateDisconnected
}

func (m *Manager) discarded(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.generation
}

// setConnState is the supervisor's hook; state changes after teardown are
// dropped so a late transition cannot repopulate the indicator.
func (m *Manager) setConnState(s ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return
	}
	m.connState = s
}

// mergeLocked applies the dedup-by-id merge rule. An existing entry is
// replaced only when the incoming record carries strictly newer
// information: read state never transitions backwards, because readAt is
// stamped exactly once server-side. A new entry is inserted in display
// order. Caller holds m.mu.
func (m *Manager) mergeLocked(n Notification) {
	for i := range m.items {
		if m.items[i].ID == n.ID {
			if m.items[i].Read && !n.Read {
				return
			}
			m.items[i] = n
			return
		}
	}

	idx := len(m.items)
	for i := range m.items {
		if n.Before(&m.items[i]) {
			idx = i
			break
		}
	}
	m.items = append(m.items, Notification{})
	copy(m.items[idx+1:], m.items[idx:])
	m.items[idx] = n
}

// recountLocked derives the unread count from the items. Caller holds m.mu.
func (m *Manager) recountLocked() {
	unread := 0
	for i := range m.items {
		if !m.items[i].Read {
			unread++
		}
	}
	m.unread = unread
}
