// Package ticket holds the ephemeral authentication challenges issued during the bike handshake. A bike first posts
// its public key over HTTP and receives a challenge; the matching ticket is claimed when the bike returns the signed
// challenge over the upgraded WebSocket. Tickets live in process memory only and expire after a short window.
package ticket

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChallengeSize is the length in bytes of the random challenge a bike must sign.
const ChallengeSize = 64

// Sentinel errors for the ticket package.
var (
	ErrTooManyTickets = fmt.Errorf("remote already holds the maximum number of open tickets")
	ErrNoSuchTicket   = fmt.Errorf("no open ticket for this remote and public key")
)

// Ticket is one open challenge.
type Ticket struct {
	Remote    string
	PublicKey string // hex-encoded bike public key
	Challenge []byte
	IssuedAt  time.Time
}

// Store keeps open tickets keyed by (remote, public key). It enforces a per-remote cap; reissuing for the same
// (remote, public key) pair overwrites the previous ticket rather than stacking a new one.
type Store struct {
	mu           sync.Mutex
	tickets      map[string]map[string]*Ticket // remote -> public key -> ticket
	ttl          time.Duration
	maxPerRemote int
	sweepPeriod  time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// NewStore creates a ticket store. ttl bounds a ticket's lifetime, maxPerRemote caps open tickets per remote address,
// and sweepPeriod controls how often Run evicts expired tickets.
func NewStore(ttl time.Duration, maxPerRemote int, sweepPeriod time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		tickets:      make(map[string]map[string]*Ticket),
		ttl:          ttl,
		maxPerRemote: maxPerRemote,
		sweepPeriod:  sweepPeriod,
		log:          logger.With().Str("component", "ticket").Logger(),
		now:          time.Now,
	}
}

// Issue creates a ticket with a fresh cryptographic-random challenge for the given remote and public key. It returns
// ErrTooManyTickets when the remote already holds the maximum number of tickets for other public keys; an existing
// ticket for the same (remote, public key) pair is overwritten and does not count against the cap.
func (s *Store) Issue(remote, publicKey string) ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.tickets[remote]
	if byKey == nil {
		byKey = make(map[string]*Ticket)
		s.tickets[remote] = byKey
	}

	if _, replacing := byKey[publicKey]; !replacing && len(byKey) >= s.maxPerRemote {
		return nil, ErrTooManyTickets
	}

	byKey[publicKey] = &Ticket{
		Remote:    remote,
		PublicKey: publicKey,
		Challenge: challenge,
		IssuedAt:  s.now(),
	}
	return challenge, nil
}

// Claim removes and returns the ticket for the given remote and public key. Expired tickets cannot be claimed even if
// the sweep has not evicted them yet.
func (s *Store) Claim(remote, publicKey string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.tickets[remote]
	t, ok := byKey[publicKey]
	if !ok {
		return nil, ErrNoSuchTicket
	}

	delete(byKey, publicKey)
	if len(byKey) == 0 {
		delete(s.tickets, remote)
	}

	if s.now().Sub(t.IssuedAt) > s.ttl {
		return nil, ErrNoSuchTicket
	}
	return t, nil
}

// Run sweeps expired tickets at the configured period until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.sweep(); evicted > 0 {
				s.log.Debug().Int("evicted", evicted).Msg("Swept expired tickets")
			}
		}
	}
}

// sweep evicts tickets older than the TTL and returns how many were removed.
func (s *Store) sweep() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for remote, byKey := range s.tickets {
		for key, t := range byKey {
			if t.IssuedAt.Before(cutoff) {
				delete(byKey, key)
				evicted++
			}
		}
		if len(byKey) == 0 {
			delete(s.tickets, remote)
		}
	}
	return evicted
}

// Open returns the number of open tickets across all remotes.
func (s *Store) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, byKey := range s.tickets {
		n += len(byKey)
	}
	return n
}
