package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/bike"
	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
	"github.com/openvelo/openvelo-server/internal/geo"
	"github.com/openvelo/openvelo-server/internal/pickup"
	"github.com/openvelo/openvelo-server/internal/rpc"
	"github.com/openvelo/openvelo-server/internal/ticket"
)

// liveBike is one authenticated bike session. loc, battery and lock state are guarded by the tracker's mutex; the
// write mutex serializes frames onto the socket so RPC requests and close frames never interleave.
type liveBike struct {
	bike *bike.Bike
	conn Conn
	ch   *rpc.Channel

	writeMu sync.Mutex

	loc        *Location
	battery    float64
	batterySet bool
	locked     bool
	lockSet    bool
}

// sendText writes one text frame, serialized against concurrent writers.
func (lb *liveBike) sendText(data []byte) error {
	lb.writeMu.Lock()
	defer lb.writeMu.Unlock()

	if err := lb.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return lb.conn.WriteMessage(websocket.TextMessage, data)
}

// Status is a read-only snapshot of one bike's live attributes.
type Status struct {
	BikeID    uuid.UUID
	ShortID   string
	Connected bool
	Locked    bool
	Battery   float64
	Location  *Location
}

// Tracker owns every live bike session. There is at most one session per bike; a second handshake for the same bike
// displaces the first.
type Tracker struct {
	bikes      bike.Repository
	pickups    pickup.Repository
	tickets    *ticket.Store
	hub        *eventhub.Hub
	rpcTimeout time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	live map[uuid.UUID]*liveBike
}

// NewTracker creates a tracker with no live sessions.
func NewTracker(bikes bike.Repository, pickups pickup.Repository, tickets *ticket.Store, hub *eventhub.Hub,
	rpcTimeout time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		bikes:      bikes,
		pickups:    pickups,
		tickets:    tickets,
		hub:        hub,
		rpcTimeout: rpcTimeout,
		log:        logger.With().Str("component", "session").Logger(),
		now:        time.Now,
		live:       make(map[uuid.UUID]*liveBike),
	}
}

// BeginHandshake starts the challenge/response handshake for the bike identified by publicKey. It returns the
// challenge the bike must sign, ErrIdentityUnknown when no bike is registered under the key, or
// ticket.ErrTooManyTickets when the remote address has too many handshakes in flight.
func (t *Tracker) BeginHandshake(ctx context.Context, remote string, publicKey []byte) ([]byte, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, bike.ErrInvalidPublicKey
	}

	if _, err := t.bikes.GetByPublicKey(ctx, ed25519.PublicKey(publicKey)); err != nil {
		if errors.Is(err, bike.ErrNotFound) {
			return nil, ErrIdentityUnknown
		}
		return nil, err
	}

	return t.tickets.Issue(remote, hex.EncodeToString(publicKey))
}

// ServeConn completes the handshake on an upgraded socket and then runs the session's read loop until the socket
// closes. The first client frame must be binary and carry the 64-byte Ed25519 signature followed by the original
// 64-byte challenge; anything else ends the session with a policy-violation close.
func (t *Tracker) ServeConn(ctx context.Context, conn Conn, remote, publicKeyHex string) {
	log := t.log.With().Str("remote", remote).Logger()

	conn.SetReadLimit(maxMessageSize)

	lb, err := t.handshake(ctx, conn, remote, publicKeyHex)
	if err != nil {
		log.Info().Err(err).Msg("Bike handshake rejected")
		closeWith(conn, websocket.ClosePolicyViolation, "handshake failed")
		return
	}

	log = log.With().Str("bike", lb.bike.ShortID()).Logger()
	log.Info().Msg("Bike session established")

	t.register(lb)

	// The bike's lock state is unknown until the first successful lock RPC; lock on arrival so the session starts
	// in a known state.
	go t.initialLock(ctx, lb)

	t.readLoop(ctx, lb, log)
	t.unregister(lb)
	log.Info().Msg("Bike session ended")
}

// handshake reads and verifies the proof frame. The ticket is burned on the first attempt whether or not
// verification succeeds.
func (t *Tracker) handshake(ctx context.Context, conn Conn, remote, publicKeyHex string) (*liveBike, error) {
	publicKey, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return nil, bike.ErrInvalidPublicKey
	}

	if err := conn.SetReadDeadline(t.now().Add(handshakeWait)); err != nil {
		return nil, err
	}
	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage || len(frame) != proofSize {
		return nil, ErrBadSignature
	}

	tk, err := t.tickets.Claim(remote, publicKeyHex)
	if err != nil {
		return nil, err
	}

	signature, challenge := frame[:ed25519.SignatureSize], frame[ed25519.SignatureSize:]
	if !bytes.Equal(challenge, tk.Challenge) ||
		!ed25519.Verify(ed25519.PublicKey(publicKey), challenge, signature) {
		return nil, ErrBadSignature
	}

	b, err := t.bikes.GetByPublicKey(ctx, ed25519.PublicKey(publicKey))
	if err != nil {
		if errors.Is(err, bike.ErrNotFound) {
			return nil, ErrIdentityUnknown
		}
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	lb := &liveBike{bike: b, conn: conn}
	lb.ch = rpc.NewChannel(lb.sendText, t.log.With().Str("bike", b.ShortID()).Logger())
	return lb, nil
}

// register installs the session, displacing any previous session of the same bike.
func (t *Tracker) register(lb *liveBike) {
	t.mu.Lock()
	old := t.live[lb.bike.ID]
	t.live[lb.bike.ID] = lb
	t.mu.Unlock()

	if old != nil {
		t.log.Info().Str("bike", lb.bike.ShortID()).Msg("Displacing previous bike session")
		closeWith(old.conn, websocket.CloseGoingAway, "connected from another socket")
		old.ch.Close()
	}
}

// unregister clears the session's slot unless a newer session has already displaced it, and releases its resources.
func (t *Tracker) unregister(lb *liveBike) {
	t.mu.Lock()
	if t.live[lb.bike.ID] == lb {
		delete(t.live, lb.bike.ID)
	}
	t.mu.Unlock()

	lb.ch.Close()
	_ = lb.conn.Close()
}

// initialLock brings the freshly connected bike into a known locked state.
func (t *Tracker) initialLock(ctx context.Context, lb *liveBike) {
	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	if err := t.SetLock(ctx, lb.bike.ID, true); err != nil {
		t.log.Warn().Err(err).Str("bike", lb.bike.ShortID()).Msg("Initial lock failed")
	}
}

// readLoop dispatches inbound frames until the socket closes. Responses resolve pending RPC calls; the only
// notification in the protocol is location_update. Malformed frames are logged and dropped, never fatal.
func (t *Tracker) readLoop(ctx context.Context, lb *liveBike, log zerolog.Logger) {
	for {
		messageType, data, err := lb.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			log.Warn().Int("type", messageType).Msg("Dropping non-text frame")
			continue
		}

		resp, notif, err := rpc.ParseIncoming(data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch {
		case resp != nil:
			if err := lb.ch.Resolve(resp); err != nil {
				log.Warn().Err(err).Msg("Failed to resolve response")
			}
		case notif.Method == "location_update":
			t.handleLocationUpdate(ctx, lb, notif.Params, log)
		default:
			log.Warn().Str("method", notif.Method).Msg("Dropping unknown notification")
		}
	}
}

// locationReport is the payload of the location_update notification.
type locationReport struct {
	Lat     float64 `json:"lat"`
	Long    float64 `json:"long"`
	Battery float64 `json:"bat"`
}

// handleLocationUpdate persists the report, refreshes the bike's live attributes and announces the movement. A failed
// insert still updates live state so queries keep working while the database is unhappy.
func (t *Tracker) handleLocationUpdate(ctx context.Context, lb *liveBike, params json.RawMessage, log zerolog.Logger) {
	var report locationReport
	if err := json.Unmarshal(params, &report); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed location update")
		return
	}

	at := t.now()
	point := geo.Point{Lat: report.Lat, Long: report.Long}

	if err := t.bikes.InsertLocationUpdate(ctx, lb.bike.ID, point, at); err != nil {
		log.Error().Err(err).Msg("Failed to persist location update")
	}

	containing, err := t.pickups.ContainingPoint(ctx, point)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve containing pickup point")
	}

	t.mu.Lock()
	lb.loc = &Location{Point: point, At: at, Pickup: containing}
	lb.battery = report.Battery
	lb.batterySet = true
	t.mu.Unlock()

	var pickupID *uuid.UUID
	if containing != nil {
		pickupID = &containing.ID
	}
	t.hub.Emit(fleet.EvBikeMoved, fleet.BikeMoved{
		BikeID:   lb.bike.ID,
		Location: point,
		PickupID: pickupID,
		Battery:  report.Battery,
		At:       at,
	})
}

// SetLock commands the bike's physical lock and records the new state once the bike confirms. It returns
// ErrNotConnected when the bike has no live session and the bike's RPC error when the bike refuses.
func (t *Tracker) SetLock(ctx context.Context, bikeID uuid.UUID, locked bool) error {
	t.mu.RLock()
	lb := t.live[bikeID]
	t.mu.RUnlock()
	if lb == nil {
		return ErrNotConnected
	}

	method := "unlock"
	if locked {
		method = "lock"
	}

	resp, err := lb.ch.Call(ctx, method, nil, t.rpcTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}

	t.mu.Lock()
	lb.locked = locked
	lb.lockSet = true
	t.mu.Unlock()
	return nil
}

// connected reports whether the session has all live attributes established: an open socket, a location, a battery
// level and a known lock state. Callers hold at least a read lock.
func (lb *liveBike) connected() bool {
	return lb.loc != nil && lb.batterySet && lb.lockSet
}

// IsConnected reports whether the bike has a fully established session.
func (t *Tracker) IsConnected(bikeID uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lb := t.live[bikeID]
	return lb != nil && lb.connected()
}

// MostRecentLocation returns the bike's last reported location, if it has reported one this session.
func (t *Tracker) MostRecentLocation(bikeID uuid.UUID) (*Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lb := t.live[bikeID]
	if lb == nil || lb.loc == nil {
		return nil, false
	}
	loc := *lb.loc
	return &loc, true
}

// IsLocked returns the bike's lock state; ok is false until the state has been established.
func (t *Tracker) IsLocked(bikeID uuid.UUID) (locked, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lb := t.live[bikeID]
	if lb == nil || !lb.lockSet {
		return false, false
	}
	return lb.locked, true
}

// BatteryLevel returns the bike's last reported battery percentage; ok is false until the first report.
func (t *Tracker) BatteryLevel(bikeID uuid.UUID) (level float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lb := t.live[bikeID]
	if lb == nil || !lb.batterySet {
		return 0, false
	}
	return lb.battery, true
}

// BikesIn returns the ids of connected bikes whose last location lies within the area.
func (t *Tracker) BikesIn(area geo.Polygon) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []uuid.UUID
	for id, lb := range t.live {
		if lb.connected() && area.Contains(lb.loc.Point) {
			ids = append(ids, id)
		}
	}
	return ids
}

// BikesAt returns the ids of connected bikes whose last location resolved to the given pickup point.
func (t *Tracker) BikesAt(pickupID uuid.UUID) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []uuid.UUID
	for id, lb := range t.live {
		if lb.connected() && lb.loc.Pickup != nil && lb.loc.Pickup.ID == pickupID {
			ids = append(ids, id)
		}
	}
	return ids
}

// LowBattery returns the status of connected bikes whose battery is at or below the threshold.
func (t *Tracker) LowBattery(threshold float64) []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Status
	for _, lb := range t.live {
		if lb.connected() && lb.battery <= threshold {
			out = append(out, lb.status())
		}
	}
	return out
}

// Snapshot returns the status of every live session.
func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Status, 0, len(t.live))
	for _, lb := range t.live {
		out = append(out, lb.status())
	}
	return out
}

// status builds a Status under the tracker's lock.
func (lb *liveBike) status() Status {
	s := Status{
		BikeID:    lb.bike.ID,
		ShortID:   lb.bike.ShortID(),
		Connected: lb.connected(),
		Locked:    lb.locked,
		Battery:   lb.battery,
	}
	if lb.loc != nil {
		loc := *lb.loc
		s.Location = &loc
	}
	return s
}

// CloseAll ends every live session with a going-away close. Used during shutdown.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	sessions := make([]*liveBike, 0, len(t.live))
	for _, lb := range t.live {
		sessions = append(sessions, lb)
	}
	t.live = make(map[uuid.UUID]*liveBike)
	t.mu.Unlock()

	for _, lb := range sessions {
		closeWith(lb.conn, websocket.CloseGoingAway, "server shutting down")
		lb.ch.Close()
	}
}
