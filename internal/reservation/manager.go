package reservation

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
	"github.com/openvelo/openvelo-server/internal/pickup"
	"github.com/openvelo/openvelo-server/internal/rental"
)

// SessionSource is the slice of the session tracker the manager needs.
type SessionSource interface {
	BikesAt(pickupID uuid.UUID) []uuid.UUID
}

// RentalSource is the slice of the rental manager the manager needs. Claiming delegates the availability filter and
// the rental start to it, so rental invariants hold for claimed bikes too.
type RentalSource interface {
	AvailableBikes(candidates []uuid.UUID) []uuid.UUID
	Start(ctx context.Context, userID int64, bikeID uuid.UUID) (*rental.Rental, error)
}

// Manager is the single writer of reservation state. Each user holds at most one open reservation; a pickup point's
// open reservations reduce how many bikes it can promise to new short-lead reservations.
type Manager struct {
	repo     Repository
	pickups  pickup.Repository
	sessions SessionSource
	rentals  RentalSource
	hub      *eventhub.Hub
	minLead  time.Duration
	window   time.Duration
	log      zerolog.Logger
	now      func() time.Time
	rand     *rand.Rand

	mu      sync.Mutex
	open    map[uuid.UUID]map[uuid.UUID]time.Time // pickup id -> reservation id -> reserved-for
	byUser  map[int64]*Reservation
	pending map[uuid.UUID]int // pickup id -> reserves in flight, counted against the surplus
}

// NewManager creates a reservation manager with no open reservations. minLead is the notice below which supply is
// checked on reserve; window is the total width of the claim window around the reserved time.
func NewManager(repo Repository, pickups pickup.Repository, sessions SessionSource, rentals RentalSource,
	hub *eventhub.Hub, minLead, window time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		pickups:  pickups,
		sessions: sessions,
		rentals:  rentals,
		hub:      hub,
		minLead:  minLead,
		window:   window,
		log:      logger.With().Str("component", "reservation").Logger(),
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		open:     make(map[uuid.UUID]map[uuid.UUID]time.Time),
		byUser:   make(map[int64]*Reservation),
		pending:  make(map[uuid.UUID]int),
	}
}

// Rebuild restores the open-reservation maps from the database. Run once at boot, before requests are served.
func (m *Manager) Rebuild(ctx context.Context) error {
	reservations, err := m.repo.ListOpen(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range reservations {
		m.install(&reservations[i])
	}
	m.log.Info().Int("open", len(reservations)).Msg("Rebuilt reservation state")
	return nil
}

// Reserve opens a reservation for the user at the pickup point around reservedFor. Reservations with less than the
// minimum lead are accepted only when the pickup point currently has more free bikes than open reservations; with
// enough lead the sourcer is trusted to move supply there in time.
func (m *Manager) Reserve(ctx context.Context, userID int64, pickupID uuid.UUID, reservedFor time.Time) (*Reservation, error) {
	now := m.now()
	if reservedFor.Before(now) {
		return nil, ErrPastTime
	}
	if _, err := m.pickups.GetByID(ctx, pickupID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		return nil, ErrReservationExists
	}
	if reservedFor.Sub(now) < m.minLead && m.surplusLocked(pickupID) <= 0 {
		m.mu.Unlock()
		return nil, ErrInsufficientSupply
	}
	// nil marks the user's slot taken while the insert is in flight; pending holds the pickup's slot against
	// concurrent short-lead reserves.
	m.byUser[userID] = nil
	m.pending[pickupID]++
	m.mu.Unlock()

	res, err := m.repo.Create(ctx, userID, pickupID, reservedFor)

	m.mu.Lock()
	m.pending[pickupID]--
	if m.pending[pickupID] <= 0 {
		delete(m.pending, pickupID)
	}
	if err != nil {
		if m.byUser[userID] == nil {
			delete(m.byUser, userID)
		}
		m.mu.Unlock()
		return nil, err
	}
	m.install(res)
	m.mu.Unlock()

	m.hub.Emit(fleet.EvReservationOpened, fleet.ReservationOpened{
		ReservationID: res.ID,
		PickupID:      pickupID,
		UserID:        userID,
		ReservedFor:   reservedFor,
	})
	return res, nil
}

// Claim converts the user's reservation at the pickup point into a rental. The rider may ask for a specific bike,
// which must be standing at the reserved pickup point; without one a random free bike there is chosen. The claim must
// happen inside the reservation window; the started rental is returned.
func (m *Manager) Claim(ctx context.Context, userID int64, pickupID uuid.UUID, bikeID *uuid.UUID) (*rental.Rental, error) {
	m.mu.Lock()
	res := m.byUser[userID]
	m.mu.Unlock()
	if res == nil {
		return nil, ErrNoReservation
	}
	if res.PickupID != pickupID {
		return nil, ErrWrongPickup
	}

	now := m.now()
	half := m.window / 2
	if now.Before(res.ReservedFor.Add(-half)) || now.After(res.ReservedFor.Add(half)) {
		return nil, ErrOutsideWindow
	}

	var chosen uuid.UUID
	if bikeID != nil {
		if !slices.Contains(m.sessions.BikesAt(pickupID), *bikeID) {
			return nil, ErrWrongPickup
		}
		chosen = *bikeID
	} else {
		available := m.rentals.AvailableBikes(m.sessions.BikesAt(pickupID))
		if len(available) == 0 {
			return nil, ErrNoBikes
		}
		chosen = available[m.rand.Intn(len(available))]
	}

	// The rental manager re-checks the bike under its own lock; a racing renter surfaces as ErrCurrentlyRented.
	rented, err := m.rentals.Start(ctx, userID, chosen)
	if err != nil {
		return nil, err
	}

	if err := m.repo.CloseOut(ctx, res.ID, OutcomeClaimed, now, &rented.ID); err != nil {
		m.log.Error().Err(err).Str("reservation", res.ID.String()).Msg("Failed to close claimed reservation")
	}
	m.removeRes(res)

	m.hub.Emit(fleet.EvReservationClaimed, fleet.ReservationClaimed{
		ReservationID: res.ID,
		PickupID:      pickupID,
		UserID:        userID,
		RentalID:      rented.ID,
	})
	return rented, nil
}

// Cancel withdraws the user's open reservation.
func (m *Manager) Cancel(ctx context.Context, userID int64) error {
	m.mu.Lock()
	res := m.byUser[userID]
	m.mu.Unlock()
	if res == nil {
		return ErrNoReservation
	}

	if err := m.repo.CloseOut(ctx, res.ID, OutcomeCancelled, m.now(), nil); err != nil {
		return err
	}
	m.removeRes(res)

	m.hub.Emit(fleet.EvReservationCancelled, fleet.ReservationCancelled{
		ReservationID: res.ID,
		PickupID:      res.PickupID,
		UserID:        userID,
		ReservedFor:   res.ReservedFor,
	})
	return nil
}

// ReservationOf returns the user's open reservation. ok is false while a reserve is still in flight.
func (m *Manager) ReservationOf(userID int64) (*Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.byUser[userID]
	if res == nil {
		return nil, false
	}
	return res, true
}

// OpenAt returns the number of open reservations at the pickup point.
func (m *Manager) OpenAt(pickupID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open[pickupID])
}

// Surplus returns free bikes minus open reservations at the pickup point. A non-positive surplus means every free
// bike is spoken for.
func (m *Manager) Surplus(pickupID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.surplusLocked(pickupID)
}

// IsReserved reports whether the bike supply at the pickup point is fully claimed by open reservations.
func (m *Manager) IsReserved(pickupID uuid.UUID) bool {
	return m.Surplus(pickupID) <= 0
}

// RunExpiry closes overdue reservations at half-window granularity until the context is cancelled.
func (m *Manager) RunExpiry(ctx context.Context) {
	ticker := time.NewTicker(m.window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expireDue(ctx)
		}
	}
}

// expireDue closes every open reservation whose claim window has fully passed.
func (m *Manager) expireDue(ctx context.Context) {
	now := m.now()
	half := m.window / 2

	m.mu.Lock()
	var due []*Reservation
	for _, res := range m.byUser {
		if res == nil {
			continue
		}
		if now.After(res.ReservedFor.Add(half)) {
			due = append(due, res)
		}
	}
	m.mu.Unlock()

	for _, res := range due {
		if err := m.repo.CloseOut(ctx, res.ID, OutcomeExpired, now, nil); err != nil {
			if !errors.Is(err, ErrNotFound) {
				m.log.Error().Err(err).Str("reservation", res.ID.String()).Msg("Failed to expire reservation")
			}
			continue
		}
		m.removeRes(res)
		m.hub.Emit(fleet.EvReservationExpired, fleet.ReservationExpired{
			ReservationID: res.ID,
			PickupID:      res.PickupID,
			UserID:        res.UserID,
			ReservedFor:   res.ReservedFor,
		})
		m.log.Info().Str("reservation", res.ID.String()).Msg("Reservation expired")
	}
}

// surplusLocked computes free bikes minus open and in-flight reservations. Callers hold the mutex.
func (m *Manager) surplusLocked(pickupID uuid.UUID) int {
	available := m.rentals.AvailableBikes(m.sessions.BikesAt(pickupID))
	return len(available) - len(m.open[pickupID]) - m.pending[pickupID]
}

// install indexes an open reservation. Callers hold the mutex.
func (m *Manager) install(res *Reservation) {
	byID := m.open[res.PickupID]
	if byID == nil {
		byID = make(map[uuid.UUID]time.Time)
		m.open[res.PickupID] = byID
	}
	byID[res.ID] = res.ReservedFor
	m.byUser[res.UserID] = res
}

// removeRes drops a reservation from the indexes.
func (m *Manager) removeRes(res *Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byID := m.open[res.PickupID]; byID != nil {
		delete(byID, res.ID)
		if len(byID) == 0 {
			delete(m.open, res.PickupID)
		}
	}
	if m.byUser[res.UserID] == res {
		delete(m.byUser, res.UserID)
	}
}
