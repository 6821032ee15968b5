// Package sourcer watches upcoming reservations and flags pickup points that will not have enough bikes to honor
// them. Reservations made with enough lead are queued; once one comes within the minimum lead, the pickup point's
// supply is checked and a shortage is recorded until enough bikes arrive. Shortages drive fleet rebalancing: the
// operations surface reads them to decide where to truck bikes.
package sourcer

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
)

// SupplySource reports a pickup point's free bikes minus its open reservations.
type SupplySource interface {
	Surplus(pickupID uuid.UUID) int
}

// Shortage is a pickup point that cannot cover its upcoming reservations. Count is how many bikes are missing;
// Earliest is the first reservation that triggered the shortage.
type Shortage struct {
	PickupID uuid.UUID `json:"pickup_id"`
	Count    int       `json:"count"`
	Earliest time.Time `json:"earliest"`
}

// entry is one queued upcoming reservation.
type entry struct {
	reservedFor   time.Time
	pickupID      uuid.UUID
	reservationID uuid.UUID
}

// queue is a min-heap of entries ordered by reserved-for time.
type queue []*entry

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].reservedFor.Before(q[j].reservedFor) }
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)        { *q = append(*q, x.(*entry)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Sourcer tracks upcoming reservations in a min-heap and maintains the current shortage set. Cancelled reservations
// are tombstoned rather than removed, and skipped when they surface at the heap head.
type Sourcer struct {
	supply  SupplySource
	minLead time.Duration
	period  time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	upcoming  queue
	removed   map[uuid.UUID]bool
	shortages map[uuid.UUID]*Shortage
}

// New creates a sourcer and subscribes it to reservation events on the hub. minLead must match the reservation
// manager's: it is the horizon at which queued reservations are checked against supply.
func New(supply SupplySource, hub *eventhub.Hub, minLead, period time.Duration, logger zerolog.Logger) (*Sourcer, error) {
	s := &Sourcer{
		supply:    supply,
		minLead:   minLead,
		period:    period,
		log:       logger.With().Str("component", "sourcer").Logger(),
		now:       time.Now,
		removed:   make(map[uuid.UUID]bool),
		shortages: make(map[uuid.UUID]*Shortage),
	}

	if err := hub.Subscribe(fleet.EvReservationOpened, s.onOpened); err != nil {
		return nil, err
	}
	if err := hub.Subscribe(fleet.EvReservationCancelled, s.onCancelled); err != nil {
		return nil, err
	}
	return s, nil
}

// Run re-evaluates shortages at the configured period until the context is cancelled.
func (s *Sourcer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// onOpened queues reservations that are far enough out to plan for. Short-lead reservations were already checked
// against live supply when they were accepted.
func (s *Sourcer) onOpened(ev fleet.ReservationOpened) {
	if ev.ReservedFor.Sub(s.now()) <= s.minLead {
		return
	}

	s.mu.Lock()
	heap.Push(&s.upcoming, &entry{
		reservedFor:   ev.ReservedFor,
		pickupID:      ev.PickupID,
		reservationID: ev.ReservationID,
	})
	s.mu.Unlock()
}

// onCancelled tombstones the reservation so it is skipped when it reaches the heap head.
func (s *Sourcer) onCancelled(ev fleet.ReservationCancelled) {
	s.mu.Lock()
	s.removed[ev.ReservationID] = true
	s.mu.Unlock()
}

// step promotes queued reservations that came within the minimum lead, records shortages where supply cannot cover
// them, and culls shortages at pickup points whose supply has recovered.
func (s *Sourcer) step() {
	now := s.now()
	horizon := now.Add(s.minLead)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Promote everything due within the horizon.
	due := make(map[uuid.UUID]time.Time)
	for s.upcoming.Len() > 0 && !s.upcoming[0].reservedFor.After(horizon) {
		e := heap.Pop(&s.upcoming).(*entry)
		if s.removed[e.reservationID] {
			delete(s.removed, e.reservationID)
			continue
		}
		if earliest, ok := due[e.pickupID]; !ok || e.reservedFor.Before(earliest) {
			due[e.pickupID] = e.reservedFor
		}
	}

	for pickupID, earliest := range due {
		if existing, ok := s.shortages[pickupID]; ok && existing.Earliest.Before(earliest) {
			continue
		}
		if surplus := s.supply.Surplus(pickupID); surplus < 0 {
			s.shortages[pickupID] = &Shortage{PickupID: pickupID, Count: -surplus, Earliest: earliest}
			s.log.Warn().Str("pickup", pickupID.String()).Int("missing", -surplus).Msg("Bike shortage detected")
		}
	}

	// Refresh or cull existing shortages against current supply.
	for pickupID, shortage := range s.shortages {
		surplus := s.supply.Surplus(pickupID)
		if surplus >= 0 {
			delete(s.shortages, pickupID)
			s.log.Info().Str("pickup", pickupID.String()).Msg("Bike shortage resolved")
			continue
		}
		shortage.Count = -surplus
	}
}

// Shortages returns the current shortage set, earliest first.
func (s *Sourcer) Shortages() []Shortage {
	s.mu.Lock()
	out := make([]Shortage, 0, len(s.shortages))
	for _, shortage := range s.shortages {
		out = append(out, *shortage)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Earliest.Before(out[j].Earliest) })
	return out
}

// QueueLen returns the number of queued upcoming reservations, tombstones included.
func (s *Sourcer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upcoming.Len()
}
