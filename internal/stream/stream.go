// Package stream mirrors fleet events onto a Valkey pub/sub channel. External consumers (dashboards, the mobile
// backend, billing) follow the fleet in real time without touching the coordinator's internals.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
)

// EventsChannel is the pub/sub channel fleet events are mirrored to.
const EventsChannel = "openvelo.fleet.events"

// envelope is the JSON structure published to the fleet events channel.
type envelope struct {
	Type string `json:"t"`
	Data any    `json:"d"`
}

// Publisher serialises fleet events and publishes them to a Valkey pub/sub channel.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new fleet event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger.With().Str("component", "stream").Logger()}
}

// Publish serialises the event as JSON and publishes it to the fleet events channel.
func (p *Publisher) Publish(ctx context.Context, eventType string, data any) error {
	payload, err := json.Marshal(envelope{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal fleet event: %w", err)
	}
	if err := p.rdb.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish fleet event: %w", err)
	}
	return nil
}

// Bridge subscribes the publisher to every fleet event on the hub. Publish failures are logged and dropped; the
// mirror is best-effort and never blocks fleet operations.
func Bridge(hub *eventhub.Hub, p *Publisher) error {
	mirror := func(eventType string, data any) {
		if err := p.Publish(context.Background(), eventType, data); err != nil {
			p.log.Warn().Err(err).Str("event", eventType).Msg("Failed to mirror fleet event")
		}
	}

	subs := []error{
		hub.SubscribeAsync(fleet.EvBikeMoved, func(ev fleet.BikeMoved) { mirror("bike_moved", ev) }),
		hub.SubscribeAsync(fleet.EvRentalStarted, func(ev fleet.RentalStarted) { mirror("rental_started", ev) }),
		hub.SubscribeAsync(fleet.EvRentalEnded, func(ev fleet.RentalEnded) { mirror("rental_ended", ev) }),
		hub.SubscribeAsync(fleet.EvRentalCancelled, func(ev fleet.RentalCancelled) { mirror("rental_cancelled", ev) }),
		hub.SubscribeAsync(fleet.EvReservationOpened, func(ev fleet.ReservationOpened) { mirror("reservation_opened", ev) }),
		hub.SubscribeAsync(fleet.EvReservationClaimed, func(ev fleet.ReservationClaimed) { mirror("reservation_claimed", ev) }),
		hub.SubscribeAsync(fleet.EvReservationCancelled, func(ev fleet.ReservationCancelled) { mirror("reservation_cancelled", ev) }),
		hub.SubscribeAsync(fleet.EvReservationExpired, func(ev fleet.ReservationExpired) { mirror("reservation_expired", ev) }),
	}

	for _, err := range subs {
		if err != nil {
			return err
		}
	}
	return nil
}
