package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursekit/bookingcore/faults"
)

// fakeStore emulates the datastore's row locking with one mutex per session:
// SessionForUpdate blocks until the row mutex is free and Commit/Rollback
// release it, so concurrent mutations of the same session serialize exactly
// as they would behind SELECT FOR UPDATE.
type fakeStore struct {
	mu           sync.Mutex
	sessions     map[string]Session
	reservations map[string]int
	rowLocks     map[string]*sync.Mutex

	beginErr error
	writeErr error
}

func newFakeStore(sessions ...Session) *fakeStore {
	s := &fakeStore{
		sessions:     make(map[string]Session),
		reservations: make(map[string]int),
		rowLocks:     make(map[string]*sync.Mutex),
	}

	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}

	return s
}

type fakeTx struct {
	store  *fakeStore
	locked []string
	writes map[string]int
	done   bool
}

func (s *fakeStore) Begin(_ context.Context) (Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}

	return &fakeTx{store: s, writes: make(map[string]int)}, nil
}

func (t *fakeTx) Commit() error {
	if t.done {
		return nil
	}

	t.done = true

	t.store.mu.Lock()
	for id, count := range t.writes {
		sess := t.store.sessions[id]
		sess.CurrentParticipants = count
		t.store.sessions[id] = sess
	}
	t.store.mu.Unlock()

	t.release()

	return nil
}

func (t *fakeTx) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true
	t.release()

	return nil
}

func (t *fakeTx) release() {
	for _, id := range t.locked {
		t.store.rowLock(id).Unlock()
	}

	t.locked = nil
}

func (s *fakeStore) rowLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.rowLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.rowLocks[id] = lock
	}

	return lock
}

func (s *fakeStore) SessionForUpdate(_ context.Context, tx Tx, id string) (*Session, error) {
	ft := tx.(*fakeTx)

	lock := s.rowLock(id)
	lock.Lock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok {
		lock.Unlock()

		return nil, faults.Newf(faults.KindNotFound, "session %s not found", id)
	}

	ft.locked = append(ft.locked, id)

	return &sess, nil
}

func (s *fakeStore) CountActiveReservations(_ context.Context, _ Tx, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reservations[sessionID], nil
}

func (s *fakeStore) SetParticipantCount(_ context.Context, tx Tx, sessionID string, count int) error {
	if s.writeErr != nil {
		return s.writeErr
	}

	tx.(*fakeTx).writes[sessionID] = count

	return nil
}

func (s *fakeStore) Session(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "session %s not found", id)
	}

	return &sess, nil
}

func (s *fakeStore) ActiveReservationCount(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reservations[sessionID], nil
}

func (s *fakeStore) Sessions(_ context.Context, filters Filters) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Session

	for _, sess := range s.sessions {
		if !filters.From.IsZero() && sess.StartsAt.Before(filters.From) {
			continue
		}

		if !filters.To.IsZero() && sess.StartsAt.After(filters.To) {
			continue
		}

		if filters.CourseType != "" && sess.CourseType != filters.CourseType {
			continue
		}

		if filters.Location != "" && sess.Location != filters.Location {
			continue
		}

		out = append(out, sess)
	}

	return out, nil
}

func (s *fakeStore) participantCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessions[id].CurrentParticipants
}

type capacityEvent struct {
	sessionID      string
	newCount       int
	availableSpots int
}

type recordingBus struct {
	mu     sync.Mutex
	events []capacityEvent
}

func (b *recordingBus) EmitCapacityChanged(_ context.Context, sessionID string, newCount, availableSpots int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, capacityEvent{sessionID, newCount, availableSpots})
}

func (b *recordingBus) all() []capacityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]capacityEvent(nil), b.events...)
}

func scheduledSession(id string, maxParticipants, current int) Session {
	return Session{
		ID:                  id,
		Title:               "Emergency First Aid at Work",
		CourseType:          "EFAW",
		Location:            "Leeds",
		StartsAt:            time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC),
		MaxParticipants:     maxParticipants,
		CurrentParticipants: current,
		Status:              SessionScheduled,
	}
}

func TestIncrementBooking_Succeeds(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 4))
	bus := &recordingBus{}
	ledger := New(store, bus, 12, nil)

	result, err := ledger.IncrementBooking(context.Background(), "s1", 2)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 4, result.PreviousCount)
	assert.Equal(t, 6, result.NewCount)
	assert.Equal(t, 6, result.AvailableSpots)
	assert.Equal(t, 6, store.participantCount("s1"))

	events := bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, capacityEvent{"s1", 6, 6}, events[0])
}

func TestIncrementBooking_ShortfallIsNotAnError(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 11))
	ledger := New(store, nil, 12, nil)

	result, err := ledger.IncrementBooking(context.Background(), "s1", 3)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.AvailableSpots)
	assert.Equal(t, "only 1 spots available, requested 3", result.Message)
	assert.Equal(t, 11, store.participantCount("s1"), "shortfall must not mutate the count")
}

func TestIncrementBooking_UnknownSession(t *testing.T) {
	ledger := New(newFakeStore(), nil, 12, nil)

	_, err := ledger.IncrementBooking(context.Background(), "ghost", 1)
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestIncrementBooking_RejectsNonBookableSession(t *testing.T) {
	sess := scheduledSession("s1", 12, 0)
	sess.Status = SessionCancelled

	ledger := New(newFakeStore(sess), nil, 12, nil)

	_, err := ledger.IncrementBooking(context.Background(), "s1", 1)
	require.Error(t, err)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestIncrementBooking_RejectsNonPositiveCount(t *testing.T) {
	ledger := New(newFakeStore(scheduledSession("s1", 12, 0)), nil, 12, nil)

	_, err := ledger.IncrementBooking(context.Background(), "s1", 0)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestIncrementBooking_HardCapTightensSessionCapacity(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 20, 11))
	ledger := New(store, nil, 12, nil)

	result, err := ledger.IncrementBooking(context.Background(), "s1", 2)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.AvailableSpots)
}

func TestIncrementBooking_OversellInvariant(t *testing.T) {
	const capacity = 5
	const callers = 20

	store := newFakeStore(scheduledSession("s1", capacity, 0))
	ledger := New(store, nil, capacity, nil)

	results := make([]IncrementResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = ledger.IncrementBooking(context.Background(), "s1", 1)
		}(i)
	}

	wg.Wait()

	successes := 0

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])

		if results[i].Success {
			successes++
		} else {
			assert.Equal(t, 0, results[i].AvailableSpots)
		}
	}

	assert.Equal(t, capacity, successes)
	assert.Equal(t, capacity, store.participantCount("s1"))
}

func TestIncrementBooking_NearlyFullSessionUnderContention(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 10))
	ledger := New(store, nil, 12, nil)

	results := make([]IncrementResult, 10)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			var err error
			results[i], err = ledger.IncrementBooking(context.Background(), "s1", 1)
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	successes, failures := 0, 0

	for _, r := range results {
		if r.Success {
			successes++
		} else {
			failures++
			assert.Equal(t, 0, r.AvailableSpots)
		}
	}

	assert.Equal(t, 2, successes)
	assert.Equal(t, 8, failures)
	assert.Equal(t, 12, store.participantCount("s1"))
}

func TestIncrementBooking_InCallerOwnedTransaction(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 4))
	ledger := New(store, nil, 12, nil)

	tx, err := ledger.Begin(context.Background())
	require.NoError(t, err)

	result, err := ledger.IncrementBooking(context.Background(), "s1", 1, InTx(tx))
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Equal(t, 4, store.participantCount("s1"), "count is not visible before the caller commits")

	require.NoError(t, tx.Commit())
	assert.Equal(t, 5, store.participantCount("s1"))
}

func TestIncrementBooking_ShortfallKeepsCallerTransactionUsable(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 12), scheduledSession("s2", 12, 0))
	ledger := New(store, nil, 12, nil)

	tx, err := ledger.Begin(context.Background())
	require.NoError(t, err)

	result, err := ledger.IncrementBooking(context.Background(), "s1", 1, InTx(tx))
	require.NoError(t, err)
	assert.False(t, result.Success)

	// The enclosing transaction survives the shortfall and can keep working.
	result, err = ledger.IncrementBooking(context.Background(), "s2", 1, InTx(tx))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, store.participantCount("s2"))
}

func TestIncrementBooking_InTxDefersCapacityEvent(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 4))
	bus := &recordingBus{}
	ledger := New(store, bus, 12, nil)

	tx, err := ledger.Begin(context.Background())
	require.NoError(t, err)

	result, err := ledger.IncrementBooking(context.Background(), "s1", 1, InTx(tx))
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Empty(t, bus.all(), "nothing is announced while the caller's transaction is open")

	require.NoError(t, tx.Commit())
	assert.Empty(t, bus.all(), "post-commit announcement is the caller's call")

	ledger.PublishCapacityChange(context.Background(), "s1", result)

	events := bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, capacityEvent{"s1", 5, 7}, events[0])
}

func TestPublishCapacityChange_IgnoresShortfalls(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 12))
	bus := &recordingBus{}
	ledger := New(store, bus, 12, nil)

	tx, err := ledger.Begin(context.Background())
	require.NoError(t, err)

	result, err := ledger.IncrementBooking(context.Background(), "s1", 1, InTx(tx))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NoError(t, tx.Rollback())

	ledger.PublishCapacityChange(context.Background(), "s1", result)
	assert.Empty(t, bus.all())
}

func TestDecrementBooking_ReleasesSpots(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 8))
	bus := &recordingBus{}
	ledger := New(store, bus, 12, nil)

	result, err := ledger.DecrementBooking(context.Background(), "s1", 3)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 8, result.PreviousCount)
	assert.Equal(t, 5, result.NewCount)
	assert.Equal(t, 7, result.AvailableSpots)
	assert.Equal(t, 5, store.participantCount("s1"))
	assert.Len(t, bus.all(), 1)
}

func TestDecrementBooking_FloorsAtZero(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 2))
	ledger := New(store, nil, 12, nil)

	result, err := ledger.DecrementBooking(context.Background(), "s1", 50)
	require.NoError(t, err)

	assert.Equal(t, 0, result.NewCount)
	assert.Equal(t, 0, store.participantCount("s1"))
}

func TestDecrementBooking_WorksOnCancelledSession(t *testing.T) {
	sess := scheduledSession("s1", 12, 6)
	sess.Status = SessionCancelled

	store := newFakeStore(sess)
	ledger := New(store, nil, 12, nil)

	result, err := ledger.DecrementBooking(context.Background(), "s1", 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 5, store.participantCount("s1"))
}

func TestCheckAvailability(t *testing.T) {
	store := newFakeStore(scheduledSession("s1", 12, 0))
	store.reservations["s1"] = 9

	ledger := New(store, nil, 12, nil)

	availability, err := ledger.CheckAvailability(context.Background(), "s1")
	require.NoError(t, err)

	assert.True(t, availability.Available)
	assert.Equal(t, 9, availability.CurrentCount)
	assert.Equal(t, 3, availability.RemainingSpots)
}

func TestCheckAvailability_NonBookableSessionIsUnavailable(t *testing.T) {
	sess := scheduledSession("s1", 12, 0)
	sess.Status = SessionCompleted

	ledger := New(newFakeStore(sess), nil, 12, nil)

	availability, err := ledger.CheckAvailability(context.Background(), "s1")
	require.NoError(t, err)

	assert.False(t, availability.Available)
	assert.Equal(t, 0, availability.RemainingSpots)
}

func TestAvailableSessions_CountsLiveReservations(t *testing.T) {
	full := scheduledSession("full", 2, 0)
	open := scheduledSession("open", 12, 0)
	open.StartsAt = full.StartsAt.Add(48 * time.Hour)

	store := newFakeStore(full, open)
	store.reservations["full"] = 2
	store.reservations["open"] = 3

	ledger := New(store, nil, 12, nil)

	all, err := ledger.AvailableSessions(context.Background(), Filters{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, "full", all[0].Session.ID, "results sorted by start date")
	assert.Equal(t, 0, all[0].AvailableSpots)
	assert.Equal(t, 9, all[1].AvailableSpots)

	available, err := ledger.AvailableSessions(context.Background(), Filters{OnlyAvailable: true})
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "open", available[0].Session.ID)
	assert.Equal(t, 3, available[0].CurrentBookings)
}

func TestAvailableSessions_AppliesRelationalFilters(t *testing.T) {
	leeds := scheduledSession("leeds", 12, 0)
	sheffield := scheduledSession("sheffield", 12, 0)
	sheffield.Location = "Sheffield"

	ledger := New(newFakeStore(leeds, sheffield), nil, 12, nil)

	results, err := ledger.AvailableSessions(context.Background(), Filters{Location: "Sheffield"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sheffield", results[0].Session.ID)
}
