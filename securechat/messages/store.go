// Package messages keeps the per-room bounded message buffers. Message
// bodies may be client-side encrypted; the store never inspects those and
// only enforces shape.
package messages

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"codeberg.org/securechat/server/internal/clock"
	"codeberg.org/securechat/server/internal/errors"
)

const (
	// most-recent messages kept per room; older entries are evicted
	MaxMessagesPerRoom = 100

	// time after creation during which the author may edit
	EditWindow = 10 * time.Minute

	// plaintext payload cap, in characters after sanitizing
	MaxPlaintextLength = 2000

	// opaque encrypted payload cap, in bytes
	MaxEncryptedPayloadBytes = 8192
)

// Message is one chat message. Payload is opaque when Encrypted is set.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Payload   string    `json:"content"`
	Encrypted bool      `json:"encrypted,omitempty"`
	IV        string    `json:"iv,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Edited    bool      `json:"edited"`
}

// Store is the in-memory message buffer for every room.
type Store struct {
	mu     sync.RWMutex
	byRoom map[string][]*Message
	cap    int
	clock  clock.Clock
}

func NewStore(clk clock.Clock) *Store {
	return NewStoreWithCap(clk, MaxMessagesPerRoom)
}

func NewStoreWithCap(clk clock.Clock, capacity int) *Store {
	return &Store{
		byRoom: make(map[string][]*Message),
		cap:    capacity,
		clock:  clk,
	}
}

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)
var multiSpace = regexp.MustCompile(`\s+`)

// strips control characters, collapses whitespace and truncates. The limit
// counts characters, not bytes, so the cut never splits a rune.
func sanitizeText(value string, maxLength int) string {
	cleaned := controlChars.ReplaceAllString(value, " ")
	cleaned = multiSpace.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > maxLength {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxLength])
	}
	return cleaned
}

// validates and normalizes a payload; the returned string is what gets
// stored
func normalizePayload(payload string, encrypted bool, iv string) (string, error) {
	if encrypted {
		if payload == "" || iv == "" || len(payload) > MaxEncryptedPayloadBytes {
			return "", errors.New(errors.CodeInvalidEncryptedPayload, "Invalid encrypted payload.")
		}
		return payload, nil
	}

	cleaned := sanitizeText(payload, MaxPlaintextLength)
	if cleaned == "" {
		return "", errors.New(errors.CodeEmptyMessage, "Message content cannot be empty.")
	}
	return cleaned, nil
}

// Append validates and stores a new message, evicting the oldest entry
// once the room's buffer exceeds the cap. Eviction is silent.
func (s *Store) Append(roomID, userID, payload string, encrypted bool, iv string) (*Message, error) {
	if roomID == "" || userID == "" {
		return nil, errors.New(errors.CodeInvalidPayload, "Invalid message payload.")
	}

	body, err := normalizePayload(payload, encrypted, iv)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		UserID:    userID,
		Payload:   body,
		Encrypted: encrypted,
		IV:        iv,
		Timestamp: s.clock.Now(),
	}

	bucket := append(s.byRoom[roomID], msg)
	if len(bucket) > s.cap {
		bucket = bucket[len(bucket)-s.cap:]
	}
	s.byRoom[roomID] = bucket

	return copyOf(msg), nil
}

// Edit rewrites a message's payload. Author-only, and only within the edit
// window measured from the original timestamp.
func (s *Store) Edit(roomID, messageID, userID, payload string, encrypted bool, iv string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.findLocked(roomID, messageID)
	if target == nil {
		return nil, errors.New(errors.CodeMessageNotFound, "Message not found.")
	}

	if target.UserID != userID {
		return nil, errors.New(errors.CodeForbidden, "Cannot edit another user's message.")
	}

	if s.clock.Now().Sub(target.Timestamp) > EditWindow {
		return nil, errors.New(errors.CodeEditWindowExpired, "Edit window expired (10 minutes).")
	}

	body, err := normalizePayload(payload, encrypted, iv)
	if err != nil {
		return nil, err
	}

	target.Payload = body
	target.Encrypted = encrypted
	target.IV = iv
	target.Edited = true

	return copyOf(target), nil
}

// Delete removes a message. Author-only.
func (s *Store) Delete(roomID, messageID, userID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.byRoom[roomID]
	for i, msg := range bucket {
		if msg.ID != messageID {
			continue
		}

		if msg.UserID != userID {
			return nil, errors.New(errors.CodeForbidden, "Cannot delete another user's message.")
		}

		s.byRoom[roomID] = append(bucket[:i], bucket[i+1:]...)
		return copyOf(msg), nil
	}

	return nil, errors.New(errors.CodeMessageNotFound, "Message not found.")
}

// RemoveAllByUser removes and returns every message authored by userID
// across all rooms. Used by identity purge.
func (s *Store) RemoveAllByUser(userID string) []*Message {
	if userID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Message

	for roomID, bucket := range s.byRoom {
		kept := bucket[:0]

		for _, msg := range bucket {
			if msg.UserID == userID {
				removed = append(removed, copyOf(msg))
				continue
			}
			kept = append(kept, msg)
		}

		s.byRoom[roomID] = kept
	}

	return removed
}

// Clear drops a room's entire buffer.
func (s *Store) Clear(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRoom, roomID)
}

// List returns a room's messages in order, oldest first.
func (s *Store) List(roomID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.byRoom[roomID]
	out := make([]*Message, 0, len(bucket))
	for _, msg := range bucket {
		out = append(out, copyOf(msg))
	}
	return out
}

// Replace hydrates a room's buffer from persisted history, re-validating
// every entry rather than trusting the input.
func (s *Store) Replace(roomID string, incoming []*Message) {
	if roomID == "" {
		return
	}

	var next []*Message

	for _, msg := range incoming {
		if msg == nil || msg.ID == "" || msg.UserID == "" || msg.RoomID != roomID {
			continue
		}

		body, err := normalizePayload(msg.Payload, msg.Encrypted, msg.IV)
		if err != nil {
			continue
		}

		next = append(next, &Message{
			ID:        msg.ID,
			RoomID:    msg.RoomID,
			UserID:    msg.UserID,
			Payload:   body,
			Encrypted: msg.Encrypted,
			IV:        msg.IV,
			Timestamp: msg.Timestamp,
			Edited:    msg.Edited,
		})
	}

	if len(next) > s.cap {
		next = next[len(next)-s.cap:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRoom[roomID] = next
}

// Count returns the number of buffered messages in a room.
func (s *Store) Count(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRoom[roomID])
}

func (s *Store) findLocked(roomID, messageID string) *Message {
	for _, msg := range s.byRoom[roomID] {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

func copyOf(msg *Message) *Message {
	c := *msg
	return &c
}
