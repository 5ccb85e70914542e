// Package mail defines the message model shared by the store, the radio
// codec and the companion protocol.
package mail

import (
    "fmt"
    "time"

    "github.com/google/uuid"
)

// NodeID is a mesh node identifier (unsigned 32-bit, as assigned by the radio).
type NodeID uint32

// Broadcast is the all-nodes destination. Messages are never enqueued to it;
// it only shows up as a packet destination on promiscuous receive paths.
const Broadcast NodeID = 0xFFFFFFFF

// Status is the delivery state of an outbound message.
type Status string

const (
    StatusPending  Status = "pending"  // queued, not yet handed to the radio
    StatusSent     Status = "sent"     // at least one attempt made, awaiting ack
    StatusAcked    Status = "acked"    // terminal: recipient confirmed
    StatusFailed   Status = "failed"   // terminal: expired without ack
    StatusReceived Status = "received" // inbox rows only
)

// Terminal reports whether no further transition may be applied.
func (s Status) Terminal() bool { return s == StatusAcked || s == StatusFailed }

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
    switch s {
    case StatusPending, StatusSent, StatusAcked, StatusFailed, StatusReceived:
        return true
    }
    return false
}

// Direction tells which side of the store a message lives on.
type Direction string

const (
    Outbound Direction = "outbound"
    Inbound  Direction = "inbound"
)

// Message is a single mail item, outbound or inbound. The wire carries only
// ID..Hops; the rest is local bookkeeping owned by the store.
type Message struct {
    ID        string
    From      NodeID
    To        NodeID
    Subject   string
    Body      string
    CreatedAt time.Time
    Hops      uint8 // relay count so far; bumped by each forwarding node

    Direction Direction

    // Outbound bookkeeping (zero for inbox rows).
    Status        Status
    AttemptCount  int
    LastAttemptAt time.Time
    ExpiresAt     time.Time
    AckedBy       NodeID // node that confirmed receipt, 0 until acked
}

// Ack confirms receipt of a message. It is transient: matched against the
// outbox and discarded, never persisted as a row.
type Ack struct {
    AckFor string // ID of the message being acknowledged
    From   NodeID // the recipient that is confirming
    To     NodeID // the original sender the ack is addressed to
}

// New builds an outbound message with a fresh id. CreatedAt is truncated to
// whole seconds, the resolution the radio codec carries, so an encode/decode
// round trip reproduces it exactly.
func New(from, to NodeID, subject, body string) *Message {
    return &Message{
        ID:        uuid.NewString(),
        From:      from,
        To:        to,
        Subject:   subject,
        Body:      body,
        CreatedAt: time.Now().Truncate(time.Second),
        Direction: Outbound,
        Status:    StatusPending,
    }
}

// ValidationError reports input rejected at the API boundary. It is returned
// synchronously and the message is never enqueued.
type ValidationError struct {
    Field  string
    Reason string
}

func (e *ValidationError) Error() string {
    return fmt.Sprintf("mail: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks field-level constraints against the configured text limits.
// Encoded-size enforcement against the radio payload budget happens separately
// at enqueue time, because only the codec knows the on-air size.
func (m *Message) Validate(maxSubject, maxBody int) error {
    if m.ID == "" {
        return &ValidationError{Field: "id", Reason: "missing"}
    }
    if m.To == 0 || m.To == Broadcast {
        return &ValidationError{Field: "to", Reason: "must be a specific node"}
    }
    if m.Body == "" {
        return &ValidationError{Field: "body", Reason: "must not be empty"}
    }
    if len(m.Subject) > maxSubject {
        return &ValidationError{Field: "subject", Reason: fmt.Sprintf("%d bytes exceeds limit %d", len(m.Subject), maxSubject)}
    }
    if len(m.Body) > maxBody {
        return &ValidationError{Field: "body", Reason: fmt.Sprintf("%d bytes exceeds limit %d", len(m.Body), maxBody)}
    }
    return nil
}
