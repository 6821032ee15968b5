package sourcer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
)

type fakeSupply struct {
	mu      sync.Mutex
	surplus map[uuid.UUID]int
}

func (s *fakeSupply) Surplus(pickupID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surplus[pickupID]
}

func (s *fakeSupply) set(pickupID uuid.UUID, surplus int) {
	s.mu.Lock()
	s.surplus[pickupID] = surplus
	s.mu.Unlock()
}

type fixture struct {
	sourcer *Sourcer
	supply  *fakeSupply
	hub     *eventhub.Hub
	clock   time.Time
}

const minLead = 3 * time.Hour

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		supply: &fakeSupply{surplus: make(map[uuid.UUID]int)},
		hub:    eventhub.New(zerolog.Nop(), fleet.Events),
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	s, err := New(f.supply, f.hub, minLead, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.now = func() time.Time { return f.clock }
	f.sourcer = s
	return f
}

func (f *fixture) open(pickupID uuid.UUID, reservedFor time.Time) uuid.UUID {
	id := uuid.New()
	f.hub.Emit(fleet.EvReservationOpened, fleet.ReservationOpened{
		ReservationID: id,
		PickupID:      pickupID,
		UserID:        1,
		ReservedFor:   reservedFor,
	})
	return id
}

func TestShortLeadReservationsNotQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.open(uuid.New(), f.clock.Add(time.Hour))
	if got := f.sourcer.QueueLen(); got != 0 {
		t.Errorf("QueueLen() = %d, want 0: short-lead reservations were supply-checked on accept", got)
	}
}

func TestShortageLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	pickupID := uuid.New()
	reservedFor := f.clock.Add(5 * time.Hour)
	f.supply.set(pickupID, -1)
	f.open(pickupID, reservedFor)

	// Too far out: nothing promoted yet.
	f.sourcer.step()
	if got := f.sourcer.Shortages(); len(got) != 0 {
		t.Fatalf("Shortages() = %v before the lead horizon", got)
	}

	// Inside the horizon: the missing bike is flagged.
	f.clock = reservedFor.Add(-2 * time.Hour)
	f.sourcer.step()
	got := f.sourcer.Shortages()
	if len(got) != 1 || got[0].PickupID != pickupID || got[0].Count != 1 || !got[0].Earliest.Equal(reservedFor) {
		t.Fatalf("Shortages() = %+v, want one shortage of 1 at %v", got, reservedFor)
	}

	// Shortage deepens while it lasts.
	f.supply.set(pickupID, -2)
	f.sourcer.step()
	if got := f.sourcer.Shortages(); len(got) != 1 || got[0].Count != 2 {
		t.Errorf("Shortages() = %+v, want count 2", got)
	}

	// Supply recovers: the shortage is culled.
	f.supply.set(pickupID, 0)
	f.sourcer.step()
	if got := f.sourcer.Shortages(); len(got) != 0 {
		t.Errorf("Shortages() = %v after recovery, want none", got)
	}
}

func TestCoveredReservationNoShortage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	pickupID := uuid.New()
	f.supply.set(pickupID, 1)
	f.open(pickupID, f.clock.Add(4*time.Hour))

	f.clock = f.clock.Add(2 * time.Hour)
	f.sourcer.step()
	if got := f.sourcer.Shortages(); len(got) != 0 {
		t.Errorf("Shortages() = %v for a covered reservation", got)
	}
}

func TestCancelledReservationSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	pickupID := uuid.New()
	reservedFor := f.clock.Add(4 * time.Hour)
	f.supply.set(pickupID, -1)
	id := f.open(pickupID, reservedFor)

	f.hub.Emit(fleet.EvReservationCancelled, fleet.ReservationCancelled{
		ReservationID: id,
		PickupID:      pickupID,
		UserID:        1,
		ReservedFor:   reservedFor,
	})

	f.clock = reservedFor.Add(-time.Hour)
	f.sourcer.step()
	if got := f.sourcer.Shortages(); len(got) != 0 {
		t.Errorf("Shortages() = %v for a cancelled reservation", got)
	}
	if got := f.sourcer.QueueLen(); got != 0 {
		t.Errorf("QueueLen() = %d after tombstone pop, want 0", got)
	}
}

func TestShortagesOrderedByEarliest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	later := uuid.New()
	sooner := uuid.New()
	f.supply.set(later, -1)
	f.supply.set(sooner, -1)
	f.open(later, f.clock.Add(6*time.Hour))
	f.open(sooner, f.clock.Add(5*time.Hour))

	f.clock = f.clock.Add(4 * time.Hour)
	f.sourcer.step()

	got := f.sourcer.Shortages()
	if len(got) != 2 || got[0].PickupID != sooner || got[1].PickupID != later {
		t.Errorf("Shortages() = %+v, want sooner before later", got)
	}
}
