package rental

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/bike"
	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
	"github.com/openvelo/openvelo-server/internal/geo"
	"github.com/openvelo/openvelo-server/internal/session"
)

// SessionSource is the slice of the session tracker the manager needs: liveness queries and the lock actuator.
type SessionSource interface {
	IsConnected(bikeID uuid.UUID) bool
	MostRecentLocation(bikeID uuid.UUID) (*session.Location, bool)
	SetLock(ctx context.Context, bikeID uuid.UUID, locked bool) error
}

// Manager is the single writer of rental state. It enforces one active rental per user and one renter per bike; all
// checks and state installs happen under one mutex, so concurrent requests cannot double-book.
type Manager struct {
	repo     Repository
	bikes    bike.Repository
	sessions SessionSource
	hub      *eventhub.Hub
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	byUser map[int64]*Rental
	byBike map[uuid.UUID]int64
}

// NewManager creates a rental manager with no active rentals. Call Rebuild to restore state from the journal.
func NewManager(repo Repository, bikes bike.Repository, sessions SessionSource, hub *eventhub.Hub,
	logger zerolog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		bikes:    bikes,
		sessions: sessions,
		hub:      hub,
		log:      logger.With().Str("component", "rental").Logger(),
		now:      time.Now,
		byUser:   make(map[int64]*Rental),
		byBike:   make(map[uuid.UUID]int64),
	}
}

// Rebuild restores the active-rental maps from the open rentals in the journal. Run once at boot, before requests are
// served.
func (m *Manager) Rebuild(ctx context.Context) error {
	open, err := m.repo.ListOpen(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range open {
		r := &open[i]
		m.byUser[r.UserID] = r
		m.byBike[r.BikeID] = r.UserID
	}
	m.log.Info().Int("open", len(open)).Msg("Rebuilt rental state")
	return m.replayToday(ctx)
}

// replayToday re-emits the day's journal on the hub so downstream observers subscribed at boot, such as the external
// event mirror, see the day's rentals again after a restart. Callers that must not double count subscribe after
// Rebuild has run.
func (m *Manager) replayToday(ctx context.Context) error {
	now := m.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	updates, err := m.repo.UpdatesSince(ctx, midnight)
	if err != nil {
		return err
	}

	rentals := make(map[uuid.UUID]*Rental)
	for _, u := range updates {
		rental, ok := rentals[u.RentalID]
		if !ok {
			rental, err = m.repo.GetByID(ctx, u.RentalID)
			if err != nil {
				m.log.Warn().Err(err).Str("rental", u.RentalID.String()).Msg("Skipping journal entry of unknown rental")
				continue
			}
			rentals[u.RentalID] = rental
		}

		switch u.Type {
		case UpdateRent:
			m.hub.Emit(fleet.EvRentalStarted, fleet.RentalStarted{
				RentalID: rental.ID,
				UserID:   rental.UserID,
				BikeID:   rental.BikeID,
				At:       u.CreatedAt,
			})
		case UpdateReturn:
			var price float64
			if rental.Price != nil {
				price = *rental.Price
			}
			m.hub.Emit(fleet.EvRentalEnded, fleet.RentalEnded{
				RentalID: rental.ID,
				UserID:   rental.UserID,
				BikeID:   rental.BikeID,
				Price:    price,
				At:       u.CreatedAt,
			})
		case UpdateCancel:
			m.hub.Emit(fleet.EvRentalCancelled, fleet.RentalCancelled{
				RentalID: rental.ID,
				UserID:   rental.UserID,
				BikeID:   rental.BikeID,
				At:       u.CreatedAt,
			})
		}
	}

	m.log.Info().Int("entries", len(updates)).Msg("Replayed today's rental journal")
	return nil
}

// Start opens a rental of the bike for the user and unlocks the bike. The user's and bike's slots are reserved before
// the unlock RPC and released again on any failure, so a slow bike cannot let a competing request double-book.
func (m *Manager) Start(ctx context.Context, userID int64, bikeID uuid.UUID) (*Rental, error) {
	m.mu.Lock()
	if _, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		return nil, ErrActiveRental
	}
	if _, ok := m.byBike[bikeID]; ok {
		m.mu.Unlock()
		return nil, ErrCurrentlyRented
	}
	// nil marks the slot reserved while the start is in flight.
	m.byUser[userID] = nil
	m.byBike[bikeID] = userID
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.byUser, userID)
		delete(m.byBike, bikeID)
		m.mu.Unlock()
	}

	if err := m.sessions.SetLock(ctx, bikeID, false); err != nil {
		release()
		return nil, err
	}

	rental, err := m.repo.Create(ctx, userID, bikeID, m.now())
	if err != nil {
		release()
		if lockErr := m.sessions.SetLock(ctx, bikeID, true); lockErr != nil {
			m.log.Warn().Err(lockErr).Str("bike", bikeID.String()).Msg("Failed to relock bike after aborted rental")
		}
		return nil, err
	}

	m.mu.Lock()
	m.byUser[userID] = rental
	m.mu.Unlock()

	m.hub.Emit(fleet.EvRentalStarted, fleet.RentalStarted{
		RentalID:      rental.ID,
		UserID:        userID,
		BikeID:        bikeID,
		StartLocation: m.locationOf(bikeID),
		At:            rental.StartedAt,
	})
	return rental, nil
}

// Finish returns the user's active rental: the bike is locked, the price is computed from the rental duration and the
// rental is closed. The bike must confirm the lock before anything is charged. The rental is claimed before the lock
// RPC suspends, so a concurrent close sees no active rental and at most one terminating journal entry is written.
func (m *Manager) Finish(ctx context.Context, userID int64) (*Rental, error) {
	rental, ok := m.claimActive(userID)
	if !ok {
		return nil, ErrInactiveRental
	}

	if err := m.sessions.SetLock(ctx, rental.BikeID, true); err != nil {
		m.reinstall(rental)
		return nil, err
	}

	endedAt := m.now()
	price := Price(rental.StartedAt, endedAt, 0)
	if err := m.repo.Close(ctx, rental.ID, UpdateReturn, endedAt, &price); err != nil {
		m.reinstall(rental)
		return nil, err
	}

	m.remove(rental)
	rental.EndedAt = &endedAt
	rental.Price = &price

	m.hub.Emit(fleet.EvRentalEnded, fleet.RentalEnded{
		RentalID:    rental.ID,
		UserID:      userID,
		BikeID:      rental.BikeID,
		EndLocation: m.locationOf(rental.BikeID),
		Price:       price,
		Distance:    m.distanceOf(ctx, rental.BikeID, rental.StartedAt, endedAt),
		At:          endedAt,
	})
	return rental, nil
}

// Cancel closes the user's active rental without charge. The bike is locked first, like a return, and the rental is
// claimed the same way so a concurrent close loses with ErrInactiveRental.
func (m *Manager) Cancel(ctx context.Context, userID int64) (*Rental, error) {
	rental, ok := m.claimActive(userID)
	if !ok {
		return nil, ErrInactiveRental
	}

	if err := m.sessions.SetLock(ctx, rental.BikeID, true); err != nil {
		m.reinstall(rental)
		return nil, err
	}

	endedAt := m.now()
	if err := m.repo.Close(ctx, rental.ID, UpdateCancel, endedAt, nil); err != nil {
		m.reinstall(rental)
		return nil, err
	}

	m.remove(rental)
	rental.EndedAt = &endedAt

	m.hub.Emit(fleet.EvRentalCancelled, fleet.RentalCancelled{
		RentalID: rental.ID,
		UserID:   userID,
		BikeID:   rental.BikeID,
		At:       endedAt,
	})
	return rental, nil
}

// SetLock locks or unlocks the bike of the user's active rental and journals the change. Users park mid-rental this
// way without ending the rental.
func (m *Manager) SetLock(ctx context.Context, userID int64, locked bool) error {
	rental, ok := m.ActiveRental(userID)
	if !ok {
		return ErrInactiveRental
	}

	if err := m.sessions.SetLock(ctx, rental.BikeID, locked); err != nil {
		return err
	}

	kind := UpdateUnlock
	if locked {
		kind = UpdateLock
	}
	if err := m.repo.InsertUpdate(ctx, rental.ID, kind, m.now()); err != nil {
		m.log.Error().Err(err).Str("rental", rental.ID.String()).Msg("Failed to journal lock change")
	}
	return nil
}

// ActiveRental returns the user's active rental. ok is false when the user has none, including while a start is still
// in flight.
func (m *Manager) ActiveRental(userID int64) (*Rental, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rental := m.byUser[userID]
	if rental == nil {
		return nil, false
	}
	return rental, true
}

// EstimatePrice returns what the user's active rental would cost if returned right now.
func (m *Manager) EstimatePrice(userID int64) (float64, error) {
	rental, ok := m.ActiveRental(userID)
	if !ok {
		return 0, ErrInactiveRental
	}
	return Price(rental.StartedAt, m.now(), 0), nil
}

// HasActiveRental reports whether the user has an active or in-flight rental.
func (m *Manager) HasActiveRental(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byUser[userID]
	return ok
}

// IsRenting reports whether the bike's active rental belongs to the user.
func (m *Manager) IsRenting(userID int64, bikeID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.byBike[bikeID]
	return ok && holder == userID
}

// IsInUse reports whether the bike is held by an active or in-flight rental.
func (m *Manager) IsInUse(bikeID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byBike[bikeID]
	return ok
}

// AvailableBikes filters candidates down to bikes that are connected and not rented.
func (m *Manager) AvailableBikes(candidates []uuid.UUID) []uuid.UUID {
	var available []uuid.UUID
	for _, id := range candidates {
		if m.sessions.IsConnected(id) && !m.IsInUse(id) {
			available = append(available, id)
		}
	}
	return available
}

// claimActive atomically takes the user's active rental for a close operation: the user's slot stays held as
// in-flight, so a concurrent Start, Finish or Cancel for the same user fails instead of acting on the same rental.
func (m *Manager) claimActive(userID int64) (*Rental, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rental := m.byUser[userID]
	if rental == nil {
		return nil, false
	}
	m.byUser[userID] = nil
	return rental, true
}

// reinstall puts a claimed rental back after a failed close.
func (m *Manager) reinstall(rental *Rental) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byUser[rental.UserID]; ok && r == nil {
		m.byUser[rental.UserID] = rental
	}
}

// remove clears the rental's slots. The user's slot may hold the in-flight marker of the close that owns the rental.
func (m *Manager) remove(rental *Rental) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byUser[rental.UserID]; ok && (r == nil || r == rental) {
		delete(m.byUser, rental.UserID)
	}
	if m.byBike[rental.BikeID] == rental.UserID {
		delete(m.byBike, rental.BikeID)
	}
}

// Locations returns the start and current positions of a rental's bike. Start is the first journaled position after
// the rental opened; either may be nil when no location update covers it.
func (m *Manager) Locations(ctx context.Context, rental *Rental) (start, current *geo.Point) {
	current = m.locationOf(rental.BikeID)
	points, err := m.bikes.LocationsBetween(ctx, rental.BikeID, rental.StartedAt, m.now())
	if err != nil {
		m.log.Warn().Err(err).Str("bike", rental.BikeID.String()).Msg("Failed to load location trail")
		return nil, current
	}
	if len(points) > 0 {
		first := points[0]
		start = &first
	}
	return start, current
}

// locationOf returns the bike's last known position, or nil when it has not reported one.
func (m *Manager) locationOf(bikeID uuid.UUID) *geo.Point {
	loc, ok := m.sessions.MostRecentLocation(bikeID)
	if !ok {
		return nil
	}
	point := loc.Point
	return &point
}

// distanceOf computes the ridden distance as the polyline length over the bike's location trail during the rental.
func (m *Manager) distanceOf(ctx context.Context, bikeID uuid.UUID, from, to time.Time) float64 {
	points, err := m.bikes.LocationsBetween(ctx, bikeID, from, to)
	if err != nil {
		m.log.Warn().Err(err).Str("bike", bikeID.String()).Msg("Failed to load location trail for distance")
		return 0
	}
	return geo.PolylineLength(points)
}
