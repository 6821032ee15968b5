// Package fleet declares the event list shared by the fleet's coordinators. Components emit and subscribe through an
// eventhub.Hub parameterized with Events; the payload structs below are the full contract between emitters and
// observers, so the managers stay decoupled from statistics, shortage tracking, and the external event mirror.
package fleet

import (
	"time"

	"github.com/google/uuid"

	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/geo"
)

// BikeMoved is emitted by the session layer for every accepted location update.
type BikeMoved struct {
	BikeID   uuid.UUID  `json:"bike_id"`
	Location geo.Point  `json:"location"`
	PickupID *uuid.UUID `json:"pickup_id,omitempty"`
	Battery  float64    `json:"battery"`
	At       time.Time  `json:"at"`
}

// RentalStarted is emitted when a rental is opened. StartLocation is the bike's last known location and may be nil.
type RentalStarted struct {
	RentalID      uuid.UUID  `json:"rental_id"`
	UserID        int64      `json:"user_id"`
	BikeID        uuid.UUID  `json:"bike_id"`
	StartLocation *geo.Point `json:"start_location,omitempty"`
	At            time.Time  `json:"at"`
}

// RentalEnded is emitted when a rental is returned. Distance is the polyline length in meters over the bike's
// location updates between start and end.
type RentalEnded struct {
	RentalID    uuid.UUID  `json:"rental_id"`
	UserID      int64      `json:"user_id"`
	BikeID      uuid.UUID  `json:"bike_id"`
	EndLocation *geo.Point `json:"end_location,omitempty"`
	Price       float64    `json:"price"`
	Distance    float64    `json:"distance"`
	At          time.Time  `json:"at"`
}

// RentalCancelled is emitted when a rental is cancelled without charge.
type RentalCancelled struct {
	RentalID uuid.UUID `json:"rental_id"`
	UserID   int64     `json:"user_id"`
	BikeID   uuid.UUID `json:"bike_id"`
	At       time.Time `json:"at"`
}

// ReservationOpened is emitted when a reservation is accepted.
type ReservationOpened struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	PickupID      uuid.UUID `json:"pickup_id"`
	UserID        int64     `json:"user_id"`
	ReservedFor   time.Time `json:"reserved_for"`
}

// ReservationClaimed is emitted when a reservation is converted into a rental.
type ReservationClaimed struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	PickupID      uuid.UUID `json:"pickup_id"`
	UserID        int64     `json:"user_id"`
	RentalID      uuid.UUID `json:"rental_id"`
}

// ReservationCancelled is emitted when a user withdraws a reservation. ReservedFor is carried so the sourcer can
// remove the entry from its heap without a database round trip.
type ReservationCancelled struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	PickupID      uuid.UUID `json:"pickup_id"`
	UserID        int64     `json:"user_id"`
	ReservedFor   time.Time `json:"reserved_for"`
}

// ReservationExpired is emitted by the expiry sweep for reservations whose claim window has fully passed.
type ReservationExpired struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	PickupID      uuid.UUID `json:"pickup_id"`
	UserID        int64     `json:"user_id"`
	ReservedFor   time.Time `json:"reserved_for"`
}

// Event declarations. Subscribers must use handlers of exactly these shapes.
var (
	EvBikeMoved            = eventhub.NewEvent("bike_moved", func(BikeMoved) {})
	EvRentalStarted        = eventhub.NewEvent("rental_started", func(RentalStarted) {})
	EvRentalEnded          = eventhub.NewEvent("rental_ended", func(RentalEnded) {})
	EvRentalCancelled      = eventhub.NewEvent("rental_cancelled", func(RentalCancelled) {})
	EvReservationOpened    = eventhub.NewEvent("reservation_opened", func(ReservationOpened) {})
	EvReservationClaimed   = eventhub.NewEvent("reservation_claimed", func(ReservationClaimed) {})
	EvReservationCancelled = eventhub.NewEvent("reservation_cancelled", func(ReservationCancelled) {})
	EvReservationExpired   = eventhub.NewEvent("reservation_expired", func(ReservationExpired) {})
)

// Events is the event list every fleet hub is built with.
var Events = eventhub.NewList("fleet",
	EvBikeMoved,
	EvRentalStarted,
	EvRentalEnded,
	EvRentalCancelled,
	EvReservationOpened,
	EvReservationClaimed,
	EvReservationCancelled,
	EvReservationExpired,
)
