package rental

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/bike"
	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
	"github.com/openvelo/openvelo-server/internal/geo"
	"github.com/openvelo/openvelo-server/internal/session"
)

func TestPrice(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		end   time.Time
		extra float64
		want  float64
	}{
		{"zero duration", start, 0, 0},
		{"one hour", start.Add(time.Hour), 0, 0.1},
		{"six hours", start.Add(6 * time.Hour), 0, 0.6},
		{"one day", start.Add(24 * time.Hour), 0, 2},
		{"one week", start.Add(7 * 24 * time.Hour), 0, 10},
		{"week day and hour", start.Add(8*24*time.Hour + time.Hour), 0, 12.1},
		{"half hour is free", start.Add(30 * time.Minute), 0, 0},
		{"ninety minutes bills one hour", start.Add(90 * time.Minute), 0, 0.1},
		{"extra charge", start.Add(time.Hour), 1.5, 1.6},
		{"end before start", start.Add(-time.Hour), 0, 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Price(start, tt.end, tt.extra); got != tt.want {
				t.Errorf("Price() = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeSessions struct {
	mu        sync.Mutex
	connected map[uuid.UUID]bool
	locked    map[uuid.UUID]bool
	locs      map[uuid.UUID]geo.Point
	lockErr   error
	lockCalls []bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		connected: make(map[uuid.UUID]bool),
		locked:    make(map[uuid.UUID]bool),
		locs:      make(map[uuid.UUID]geo.Point),
	}
}

func (s *fakeSessions) IsConnected(bikeID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[bikeID]
}

func (s *fakeSessions) MostRecentLocation(bikeID uuid.UUID) (*session.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.locs[bikeID]
	if !ok {
		return nil, false
	}
	return &session.Location{Point: p}, true
}

func (s *fakeSessions) SetLock(_ context.Context, bikeID uuid.UUID, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return s.lockErr
	}
	s.locked[bikeID] = locked
	s.lockCalls = append(s.lockCalls, locked)
	return nil
}

func (s *fakeSessions) isLocked(bikeID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked[bikeID]
}

type fakeRepo struct {
	mu        sync.Mutex
	rentals   map[uuid.UUID]*Rental
	updates   []Update
	createErr error
	closeErr  error
	closeGate chan struct{} // when set, Close blocks until the channel closes
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rentals: make(map[uuid.UUID]*Rental)}
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rental, ok := r.rentals[id]; ok {
		copied := *rental
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) ListOpen(context.Context) ([]Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []Rental
	for _, rental := range r.rentals {
		if rental.Open() {
			open = append(open, *rental)
		}
	}
	return open, nil
}

func (r *fakeRepo) ListByUser(_ context.Context, userID int64, _ int) ([]Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Rental
	for _, rental := range r.rentals {
		if rental.UserID == userID {
			out = append(out, *rental)
		}
	}
	return out, nil
}

func (r *fakeRepo) Create(_ context.Context, userID int64, bikeID uuid.UUID, startedAt time.Time) (*Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	rental := &Rental{ID: uuid.New(), UserID: userID, BikeID: bikeID, StartedAt: startedAt}
	r.rentals[rental.ID] = rental
	r.updates = append(r.updates, Update{RentalID: rental.ID, Type: UpdateRent, CreatedAt: startedAt})
	copied := *rental
	return &copied, nil
}

func (r *fakeRepo) Close(_ context.Context, id uuid.UUID, closing UpdateType, at time.Time, price *float64) error {
	r.mu.Lock()
	gate := r.closeGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return r.closeErr
	}
	rental, ok := r.rentals[id]
	if !ok {
		return ErrNotFound
	}
	rental.EndedAt = &at
	rental.Price = price
	r.updates = append(r.updates, Update{RentalID: id, Type: closing, CreatedAt: at})
	return nil
}

func (r *fakeRepo) InsertUpdate(_ context.Context, rentalID uuid.UUID, kind UpdateType, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, Update{RentalID: rentalID, Type: kind, CreatedAt: at})
	return nil
}

func (r *fakeRepo) UpdatesSince(_ context.Context, since time.Time) ([]Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, u := range r.updates {
		if !u.CreatedAt.Before(since) {
			out = append(out, u)
		}
	}
	return out, nil
}

// fakeBikes only serves the location trail; the manager touches nothing else.
type fakeBikes struct {
	trail []geo.Point
}

func (b *fakeBikes) GetByID(context.Context, uuid.UUID) (*bike.Bike, error) { return nil, bike.ErrNotFound }
func (b *fakeBikes) GetByPublicKey(context.Context, ed25519.PublicKey) (*bike.Bike, error) {
	return nil, bike.ErrNotFound
}
func (b *fakeBikes) List(context.Context) ([]bike.Bike, error) { return nil, nil }
func (b *fakeBikes) Register(context.Context, ed25519.PublicKey) (*bike.Bike, error) {
	return nil, errors.New("not implemented")
}
func (b *fakeBikes) SetCirculation(context.Context, uuid.UUID, bool) error { return nil }
func (b *fakeBikes) InsertLocationUpdate(context.Context, uuid.UUID, geo.Point, time.Time) error {
	return nil
}
func (b *fakeBikes) LocationsBetween(context.Context, uuid.UUID, time.Time, time.Time) ([]geo.Point, error) {
	return b.trail, nil
}

type managerFixture struct {
	manager  *Manager
	repo     *fakeRepo
	sessions *fakeSessions
	hub      *eventhub.Hub
	bikeID   uuid.UUID
	clock    time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{
		repo:     newFakeRepo(),
		sessions: newFakeSessions(),
		hub:      eventhub.New(zerolog.Nop(), fleet.Events),
		bikeID:   uuid.New(),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sessions.connected[f.bikeID] = true
	f.sessions.locked[f.bikeID] = true
	f.manager = NewManager(f.repo, &fakeBikes{}, f.sessions, f.hub, zerolog.Nop())
	f.manager.now = func() time.Time { return f.clock }
	return f
}

func TestStartAndFinish(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	var started []fleet.RentalStarted
	var ended []fleet.RentalEnded
	f.hub.Subscribe(fleet.EvRentalStarted, func(ev fleet.RentalStarted) { started = append(started, ev) })
	f.hub.Subscribe(fleet.EvRentalEnded, func(ev fleet.RentalEnded) { ended = append(ended, ev) })

	rental, err := f.manager.Start(context.Background(), 1, f.bikeID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.sessions.isLocked(f.bikeID) {
		t.Error("bike still locked after rental start")
	}
	if !f.manager.HasActiveRental(1) || !f.manager.IsInUse(f.bikeID) {
		t.Error("active rental not tracked")
	}
	if len(started) != 1 || started[0].RentalID != rental.ID {
		t.Errorf("rental_started events = %+v", started)
	}

	f.clock = f.clock.Add(24*time.Hour + 6*time.Hour)
	closed, err := f.manager.Finish(context.Background(), 1)
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if closed.Price == nil || *closed.Price != 2.6 {
		t.Errorf("price = %v, want 2.6", closed.Price)
	}
	if !f.sessions.isLocked(f.bikeID) {
		t.Error("bike not locked after return")
	}
	if f.manager.HasActiveRental(1) || f.manager.IsInUse(f.bikeID) {
		t.Error("rental still tracked after return")
	}
	if len(ended) != 1 || ended[0].Price != 2.6 {
		t.Errorf("rental_ended events = %+v", ended)
	}
}

func TestStartConflicts(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	if _, err := f.manager.Start(context.Background(), 1, f.bikeID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := f.manager.Start(context.Background(), 1, f.bikeID); !errors.Is(err, ErrActiveRental) {
		t.Errorf("second Start() by same user = %v, want ErrActiveRental", err)
	}
	if _, err := f.manager.Start(context.Background(), 2, f.bikeID); !errors.Is(err, ErrCurrentlyRented) {
		t.Errorf("Start() on rented bike = %v, want ErrCurrentlyRented", err)
	}
}

func TestStartUnreachableBike(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	f.sessions.lockErr = session.ErrNotConnected
	if _, err := f.manager.Start(context.Background(), 1, f.bikeID); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("Start() error = %v, want ErrNotConnected", err)
	}
	if f.manager.HasActiveRental(1) || f.manager.IsInUse(f.bikeID) {
		t.Error("slots not released after failed unlock")
	}
}

func TestStartCreateFailureRelocks(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	f.repo.createErr = errors.New("db down")
	if _, err := f.manager.Start(context.Background(), 1, f.bikeID); err == nil {
		t.Fatal("Start() succeeded despite create failure")
	}
	if !f.sessions.isLocked(f.bikeID) {
		t.Error("bike left unlocked after aborted rental")
	}
	if f.manager.HasActiveRental(1) {
		t.Error("slots not released after failed create")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	var cancelled []fleet.RentalCancelled
	f.hub.Subscribe(fleet.EvRentalCancelled, func(ev fleet.RentalCancelled) { cancelled = append(cancelled, ev) })

	rental, err := f.manager.Start(context.Background(), 1, f.bikeID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	closed, err := f.manager.Cancel(context.Background(), 1)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if closed.Price != nil {
		t.Errorf("cancelled rental has price %v", *closed.Price)
	}
	if f.manager.HasActiveRental(1) {
		t.Error("rental still tracked after cancel")
	}
	if len(cancelled) != 1 || cancelled[0].RentalID != rental.ID {
		t.Errorf("rental_cancelled events = %+v", cancelled)
	}
}

func TestConcurrentFinishSingleTerminator(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	rental, err := f.manager.Start(context.Background(), 1, f.bikeID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var ended []fleet.RentalEnded
	f.hub.Subscribe(fleet.EvRentalEnded, func(ev fleet.RentalEnded) { ended = append(ended, ev) })

	release := make(chan struct{})
	f.repo.mu.Lock()
	f.repo.closeGate = release
	f.repo.mu.Unlock()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.manager.Finish(context.Background(), 1)
			errs <- err
		}()
	}

	// The loser must fail fast while the winner is still parked inside the close.
	if err := <-errs; !errors.Is(err, ErrInactiveRental) {
		t.Fatalf("losing Finish() = %v, want ErrInactiveRental", err)
	}
	close(release)
	if err := <-errs; err != nil {
		t.Fatalf("winning Finish() = %v", err)
	}

	updates, _ := f.repo.UpdatesSince(context.Background(), time.Time{})
	var terminators int
	for _, u := range updates {
		if u.RentalID == rental.ID && (u.Type == UpdateReturn || u.Type == UpdateCancel) {
			terminators++
		}
	}
	if terminators != 1 {
		t.Errorf("terminating journal entries = %d, want exactly 1", terminators)
	}
	if len(ended) != 1 {
		t.Errorf("rental_ended events = %d, want 1", len(ended))
	}
	if f.manager.HasActiveRental(1) || f.manager.IsInUse(f.bikeID) {
		t.Error("rental still tracked after return")
	}
}

func TestFinishCloseFailureKeepsRental(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	if _, err := f.manager.Start(context.Background(), 1, f.bikeID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	f.repo.closeErr = errors.New("db down")
	if _, err := f.manager.Finish(context.Background(), 1); err == nil {
		t.Fatal("Finish() succeeded despite close failure")
	}
	if !f.manager.HasActiveRental(1) {
		t.Fatal("rental lost after failed close")
	}

	f.repo.closeErr = nil
	if _, err := f.manager.Finish(context.Background(), 1); err != nil {
		t.Errorf("retried Finish() = %v", err)
	}
}

func TestFinishWithoutRental(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	if _, err := f.manager.Finish(context.Background(), 1); !errors.Is(err, ErrInactiveRental) {
		t.Errorf("Finish() = %v, want ErrInactiveRental", err)
	}
	if _, err := f.manager.Cancel(context.Background(), 1); !errors.Is(err, ErrInactiveRental) {
		t.Errorf("Cancel() = %v, want ErrInactiveRental", err)
	}
}

func TestMidRentalLock(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	if err := f.manager.SetLock(context.Background(), 1, true); !errors.Is(err, ErrInactiveRental) {
		t.Fatalf("SetLock() without rental = %v, want ErrInactiveRental", err)
	}

	rental, err := f.manager.Start(context.Background(), 1, f.bikeID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := f.manager.SetLock(context.Background(), 1, true); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	if !f.sessions.isLocked(f.bikeID) {
		t.Error("bike not locked")
	}

	updates, _ := f.repo.UpdatesSince(context.Background(), time.Time{})
	var sawLock bool
	for _, u := range updates {
		if u.RentalID == rental.ID && u.Type == UpdateLock {
			sawLock = true
		}
	}
	if !sawLock {
		t.Error("lock change not journaled")
	}
}

func TestAvailableBikes(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	rented := uuid.New()
	offline := uuid.New()
	f.sessions.connected[rented] = true
	f.manager.byBike[rented] = 9
	f.manager.byUser[9] = &Rental{ID: uuid.New(), UserID: 9, BikeID: rented}

	got := f.manager.AvailableBikes([]uuid.UUID{f.bikeID, rented, offline})
	if len(got) != 1 || got[0] != f.bikeID {
		t.Errorf("AvailableBikes() = %v, want only the free connected bike", got)
	}
}

func TestIsRenting(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	if f.manager.IsRenting(1, f.bikeID) {
		t.Error("IsRenting() true before any rental")
	}

	if _, err := f.manager.Start(context.Background(), 1, f.bikeID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !f.manager.IsRenting(1, f.bikeID) {
		t.Error("IsRenting() false for the renting user")
	}
	if f.manager.IsRenting(2, f.bikeID) {
		t.Error("IsRenting() true for another user")
	}

	if _, err := f.manager.Finish(context.Background(), 1); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if f.manager.IsRenting(1, f.bikeID) {
		t.Error("IsRenting() true after return")
	}
}

func TestLocations(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	trail := []geo.Point{{Lat: 52.52, Long: 13.405}, {Lat: 52.53, Long: 13.41}}
	bikes := &fakeBikes{trail: trail}
	f.manager = NewManager(f.repo, bikes, f.sessions, f.hub, zerolog.Nop())
	f.manager.now = func() time.Time { return f.clock }
	f.sessions.locs[f.bikeID] = trail[1]

	rental, err := f.manager.Start(context.Background(), 1, f.bikeID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start, current := f.manager.Locations(context.Background(), rental)
	if start == nil || *start != trail[0] {
		t.Errorf("start = %v, want %v", start, trail[0])
	}
	if current == nil || *current != trail[1] {
		t.Errorf("current = %v, want %v", current, trail[1])
	}
}

func TestEstimatePrice(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	if _, err := f.manager.EstimatePrice(1); !errors.Is(err, ErrInactiveRental) {
		t.Errorf("EstimatePrice() error = %v, want ErrInactiveRental", err)
	}

	if _, err := f.manager.Start(context.Background(), 1, f.bikeID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	f.clock = f.clock.Add(24*time.Hour + 6*time.Hour)
	price, err := f.manager.EstimatePrice(1)
	if err != nil {
		t.Fatalf("EstimatePrice() error = %v", err)
	}
	if price != 2.6 {
		t.Errorf("EstimatePrice() = %v, want 2.6", price)
	}
}

func TestRebuild(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	seed, err := f.repo.Create(context.Background(), 7, f.bikeID, f.clock)
	if err != nil {
		t.Fatalf("seed rental: %v", err)
	}

	fresh := NewManager(f.repo, &fakeBikes{}, f.sessions, f.hub, zerolog.Nop())
	if err := fresh.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	active, ok := fresh.ActiveRental(7)
	if !ok || active.ID != seed.ID {
		t.Errorf("ActiveRental() after rebuild = %v, %v", active, ok)
	}
	if !fresh.IsInUse(f.bikeID) {
		t.Error("bike not marked in use after rebuild")
	}
}

func TestRebuildReplaysToday(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	// Yesterday's rental stays out of the replay; today's returned rental comes back as start + end.
	if _, err := f.repo.Create(context.Background(), 3, uuid.New(), f.clock.Add(-30*time.Hour)); err != nil {
		t.Fatalf("seed old rental: %v", err)
	}
	closed, err := f.repo.Create(context.Background(), 7, f.bikeID, f.clock.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("seed rental: %v", err)
	}
	price := 0.2
	if err := f.repo.Close(context.Background(), closed.ID, UpdateReturn, f.clock.Add(-time.Hour), &price); err != nil {
		t.Fatalf("close rental: %v", err)
	}

	var started []fleet.RentalStarted
	var ended []fleet.RentalEnded
	f.hub.Subscribe(fleet.EvRentalStarted, func(ev fleet.RentalStarted) { started = append(started, ev) })
	f.hub.Subscribe(fleet.EvRentalEnded, func(ev fleet.RentalEnded) { ended = append(ended, ev) })

	fresh := NewManager(f.repo, &fakeBikes{}, f.sessions, f.hub, zerolog.Nop())
	fresh.now = func() time.Time { return f.clock }
	if err := fresh.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if len(started) != 1 || started[0].RentalID != closed.ID {
		t.Errorf("replayed rental_started events = %+v", started)
	}
	if len(ended) != 1 || ended[0].Price != price {
		t.Errorf("replayed rental_ended events = %+v", ended)
	}
}
