// Package consent manages the time-boxed handshake that precedes a direct
// room: one identity offers, the other accepts or declines before the TTL.
package consent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"codeberg.org/securechat/server/internal/clock"
	"codeberg.org/securechat/server/internal/errors"
)

// request outcomes; exactly one is delivered per request
const (
	OutcomeAccepted  = "accepted"
	OutcomeDeclined  = "declined"
	OutcomeExpired   = "expired"
	OutcomeCancelled = "cancelled"
)

// how long the target has to respond
const RequestTTL = 45 * time.Second

// Request is one pending direct-room offer.
type Request struct {
	ID               string
	FromUserID       string
	ToUserID         string
	FromConnectionID string
	OpaquePayload    string
	ExpiresAt        time.Time
}

// ExpireFunc is invoked when a request's TTL timer fires. The callback must
// route back through Expire, which is idempotent.
type ExpireFunc func(requestID string)

type pending struct {
	request *Request
	timer   clock.Timer
}

// Broker owns all pending consent requests and their TTL timers.
type Broker struct {
	mu       sync.Mutex
	requests map[string]*pending
	clock    clock.Clock
	sched    clock.Scheduler
	expireFn ExpireFunc
}

func NewBroker(clk clock.Clock, sched clock.Scheduler) *Broker {
	return &Broker{
		requests: make(map[string]*pending),
		clock:    clk,
		sched:    sched,
		expireFn: func(string) {},
	}
}

// SetExpireFunc installs the TTL-fire callback; the gateway does this
// during wiring, before any request exists.
func (b *Broker) SetExpireFunc(fn ExpireFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireFn = fn
}

// Request registers a new offer and arms its TTL timer. Target liveness is
// the gateway's concern; the broker only rejects malformed targets.
func (b *Broker) Request(fromUserID, toUserID, fromConnectionID, opaquePayload string) (*Request, error) {
	if toUserID == "" || toUserID == fromUserID {
		return nil, errors.New(errors.CodeInvalidTarget, "Invalid consent target.")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	req := &Request{
		ID:               uuid.NewString(),
		FromUserID:       fromUserID,
		ToUserID:         toUserID,
		FromConnectionID: fromConnectionID,
		OpaquePayload:    opaquePayload,
		ExpiresAt:        b.clock.Now().Add(RequestTTL),
	}

	fn := b.expireFn
	b.requests[req.ID] = &pending{
		request: req,
		timer: b.sched.AfterFunc(RequestTTL, func() {
			fn(req.ID)
		}),
	}

	return req, nil
}

// Respond resolves a request by its addressed target. The entry is removed
// whatever the answer; responding to an unknown, expired or foreign request
// fails with REQUEST_NOT_FOUND.
func (b *Broker) Respond(requestID, responderUserID string) (*Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.requests[requestID]
	if !ok || p.request.ToUserID != responderUserID {
		return nil, errors.New(errors.CodeRequestNotFound, "Consent request not found.")
	}

	b.removeLocked(requestID)

	return p.request, nil
}

// Expire removes a request whose TTL elapsed. Idempotent.
func (b *Broker) Expire(requestID string) *Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.requests[requestID]
	if !ok {
		return nil
	}

	b.removeLocked(requestID)

	return p.request
}

// CancelByConnection resolves every request originated by a connection that
// just disconnected.
func (b *Broker) CancelByConnection(connectionID string) []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cancelMatchingLocked(func(r *Request) bool {
		return r.FromConnectionID == connectionID
	})
}

// CancelByUser resolves every request involving a user whose last
// connection dropped, in either direction.
func (b *Broker) CancelByUser(userID string) []*Request {
	if userID == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cancelMatchingLocked(func(r *Request) bool {
		return r.FromUserID == userID || r.ToUserID == userID
	})
}

func (b *Broker) cancelMatchingLocked(match func(*Request) bool) []*Request {
	var cancelled []*Request

	for id, p := range b.requests {
		if match(p.request) {
			cancelled = append(cancelled, p.request)
			b.removeLocked(id)
		}
	}

	return cancelled
}

func (b *Broker) removeLocked(requestID string) {
	if p, ok := b.requests[requestID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(b.requests, requestID)
	}
}

// Pending returns the number of unresolved requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}
