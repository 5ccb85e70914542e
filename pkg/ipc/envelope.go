// Package ipc implements the framed command/event protocol between the relay
// process and the companion client over a point-to-point byte link.
//
// Each frame is an 8-byte header (magic, version, u32 body length) followed
// by a JSON envelope. Commands carry a correlation id which the response
// echoes; events are pushed by the relay with no correlation id. Correlation,
// not ordering, matches responses to commands, so commands may be pipelined.
package ipc

import (
    "encoding/binary"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "time"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

const (
    frameMagic   = uint16(0x414B) // 'A''K'
    frameVersion = uint8(1)
    headerLen    = 8
    // maxFrameLen guards against desync: a length beyond this means the
    // stream is corrupt and the connection must be torn down.
    maxFrameLen = 1 << 20
)

// ErrFraming reports an unrecoverable stream desync (bad magic, bad version,
// absurd length). The connection is unusable afterwards.
var ErrFraming = errors.New("ipc: framing desync")

// ErrLinkDown aborts in-flight calls when the link drops. It is an IPC-layer
// condition, never a statement about message delivery.
var ErrLinkDown = errors.New("ipc: link down")

// Envelope is one frame body.
type Envelope struct {
    Kind          string          `json:"kind"`
    CorrelationID string          `json:"correlationId,omitempty"`
    Payload       json.RawMessage `json:"payload,omitempty"`
}

// Command and event kinds.
const (
    KindSend   = "send"
    KindRead   = "read"
    KindOutbox = "outbox"
    KindStatus = "status"
    KindAlias  = "alias"
    KindPing   = "ping"

    KindMailArrived   = "mailArrived"
    KindStatusChanged = "statusChanged"
)

// ErrorPayload is the response payload when a command fails. A response whose
// payload carries a non-empty errorKind is an error regardless of kind.
type ErrorPayload struct {
    ErrorKind string `json:"errorKind"`
    Message   string `json:"message"`
}

// Error kinds.
const (
    ErrKindValidation  = "validation"
    ErrKindNotFound    = "not_found"
    ErrKindUnsupported = "unsupported"
    ErrKindInternal    = "internal"
)

// RemoteError is surfaced by the client for error responses.
type RemoteError struct {
    Kind    string
    Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("ipc: %s: %s", e.Kind, e.Message) }

// SendRequest asks the relay to enqueue a message.
type SendRequest struct {
    To      uint32 `json:"to"`
    Subject string `json:"subject,omitempty"`
    Body    string `json:"body"`
}

// SendResult returns the assigned message id; delivery proceeds async.
type SendResult struct {
    MessageID string `json:"messageId"`
}

// ReadRequest pages the inbox (or the outbox for KindOutbox), newest first.
type ReadRequest struct {
    Limit int `json:"limit,omitempty"`
}

// ReadResult lists messages newest first.
type ReadResult struct {
    Messages []MessageInfo `json:"messages"`
}

// StatusRequest asks for the authoritative state of one outbound message.
type StatusRequest struct {
    MessageID string `json:"messageId"`
}

// StatusResult echoes the stored row.
type StatusResult struct {
    Message MessageInfo `json:"message"`
}

// AliasRequest sets the radio's owner name.
type AliasRequest struct {
    Name string `json:"name"`
}

// PingResult identifies the relay; also serves as the liveness probe.
type PingResult struct {
    NodeID uint32 `json:"nodeId"`
    App    string `json:"app"`
}

// MailArrivedEvent announces a newly stored inbox message.
type MailArrivedEvent struct {
    Message MessageInfo `json:"message"`
}

// StatusChangedEvent announces an outbound status transition.
type StatusChangedEvent struct {
    MessageID string `json:"messageId"`
    NewStatus string `json:"newStatus"`
    Reason    string `json:"reason,omitempty"`
    AckedBy   uint32 `json:"ackedBy,omitempty"`
}

// MessageInfo is the JSON projection of a stored message.
type MessageInfo struct {
    ID            string `json:"id"`
    From          uint32 `json:"from"`
    To            uint32 `json:"to"`
    Subject       string `json:"subject,omitempty"`
    Body          string `json:"body"`
    CreatedAt     int64  `json:"createdAt"` // unix milliseconds
    Hops          uint8  `json:"hops,omitempty"`
    Status        string `json:"status"`
    AttemptCount  int    `json:"attemptCount,omitempty"`
    LastAttemptAt int64  `json:"lastAttemptAt,omitempty"`
    ExpiresAt     int64  `json:"expiresAt,omitempty"`
    AckedBy       uint32 `json:"ackedBy,omitempty"`
}

// InfoFromMail projects a message for the wire.
func InfoFromMail(m *mail.Message) MessageInfo {
    info := MessageInfo{
        ID:           m.ID,
        From:         uint32(m.From),
        To:           uint32(m.To),
        Subject:      m.Subject,
        Body:         m.Body,
        CreatedAt:    m.CreatedAt.UnixMilli(),
        Hops:         m.Hops,
        Status:       string(m.Status),
        AttemptCount: m.AttemptCount,
        AckedBy:      uint32(m.AckedBy),
    }
    if !m.LastAttemptAt.IsZero() {
        info.LastAttemptAt = m.LastAttemptAt.UnixMilli()
    }
    if !m.ExpiresAt.IsZero() {
        info.ExpiresAt = m.ExpiresAt.UnixMilli()
    }
    return info
}

// CreatedTime converts the wire timestamp back.
func (i MessageInfo) CreatedTime() time.Time { return time.UnixMilli(i.CreatedAt) }

// WriteFrame writes one envelope as a frame.
func WriteFrame(w io.Writer, env *Envelope) error {
    body, err := json.Marshal(env)
    if err != nil {
        return fmt.Errorf("ipc: marshal envelope: %w", err)
    }
    if len(body) > maxFrameLen {
        return fmt.Errorf("%w: body %d bytes", ErrFraming, len(body))
    }
    hdr := make([]byte, headerLen)
    binary.LittleEndian.PutUint16(hdr[0:2], frameMagic)
    hdr[2] = frameVersion
    // hdr[3] reserved
    binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
    if _, err := w.Write(hdr); err != nil {
        return err
    }
    _, err = w.Write(body)
    return err
}

// ReadFrame reads one envelope. A framing error means the stream is beyond
// recovery; I/O errors pass through for the caller's reconnect logic.
func ReadFrame(r io.Reader) (*Envelope, error) {
    hdr := make([]byte, headerLen)
    if _, err := io.ReadFull(r, hdr); err != nil {
        return nil, err
    }
    if binary.LittleEndian.Uint16(hdr[0:2]) != frameMagic {
        return nil, fmt.Errorf("%w: bad magic", ErrFraming)
    }
    if hdr[2] != frameVersion {
        return nil, fmt.Errorf("%w: unknown version %d", ErrFraming, hdr[2])
    }
    n := binary.LittleEndian.Uint32(hdr[4:8])
    if n == 0 || n > maxFrameLen {
        return nil, fmt.Errorf("%w: body length %d", ErrFraming, n)
    }
    body := make([]byte, n)
    if _, err := io.ReadFull(r, body); err != nil {
        return nil, err
    }
    var env Envelope
    if err := json.Unmarshal(body, &env); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrFraming, err)
    }
    if env.Kind == "" {
        return nil, fmt.Errorf("%w: missing kind", ErrFraming)
    }
    return &env, nil
}

// decodeError extracts an error payload if the envelope carries one.
func decodeError(env *Envelope) *RemoteError {
    if len(env.Payload) == 0 {
        return nil
    }
    var ep ErrorPayload
    if err := json.Unmarshal(env.Payload, &ep); err != nil {
        return nil
    }
    if ep.ErrorKind == "" {
        return nil
    }
    return &RemoteError{Kind: ep.ErrorKind, Message: ep.Message}
}
