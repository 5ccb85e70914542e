// Package wire encodes application messages for the radio. Airtime is the
// scarcest resource in the system, so the on-air form is a single
// discriminator byte followed by a canonical CBOR body with integer keys.
package wire

import (
    "fmt"
    "time"

    cbor "github.com/fxamacker/cbor/v2"
    "github.com/google/uuid"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

// Frame discriminators. A packet that does not start with one of these is not
// ours and is dropped by the caller.
const (
    frameMessage byte = 0x01
    frameAck     byte = 0x02
)

// CodecError reports malformed or truncated wire input. Callers treat it as
// "drop this packet"; it is never fatal.
type CodecError struct {
    Reason string
    Err    error
}

func (e *CodecError) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("wire: %s: %v", e.Reason, e.Err)
    }
    return "wire: " + e.Reason
}

func (e *CodecError) Unwrap() error { return e.Err }

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
    var err error
    encMode, err = cbor.CanonicalEncOptions().EncMode()
    if err != nil {
        panic(err)
    }
    decMode, err = cbor.DecOptions{}.DecMode()
    if err != nil {
        panic(err)
    }
}

// wireMessage mirrors mail.Message minus local bookkeeping (status, attempt
// counters, expiry). Timestamps travel as unix seconds.
type wireMessage struct {
    ID        []byte `cbor:"1,keyasint"`
    From      uint32 `cbor:"2,keyasint"`
    To        uint32 `cbor:"3,keyasint"`
    Subject   string `cbor:"4,keyasint,omitempty"`
    Body      string `cbor:"5,keyasint"`
    CreatedAt int64  `cbor:"6,keyasint"`
    Hops      uint8  `cbor:"7,keyasint,omitempty"`
}

type wireAck struct {
    AckFor []byte `cbor:"1,keyasint"`
    From   uint32 `cbor:"2,keyasint"`
    To     uint32 `cbor:"3,keyasint"`
}

// EncodeMessage serializes m for transmission.
func EncodeMessage(m *mail.Message) ([]byte, error) {
    id, err := uuid.Parse(m.ID)
    if err != nil {
        return nil, fmt.Errorf("wire: message id is not a uuid: %w", err)
    }
    body, err := encMode.Marshal(wireMessage{
        ID:        id[:],
        From:      uint32(m.From),
        To:        uint32(m.To),
        Subject:   m.Subject,
        Body:      m.Body,
        CreatedAt: m.CreatedAt.Unix(),
        Hops:      m.Hops,
    })
    if err != nil {
        return nil, fmt.Errorf("wire: encode message: %w", err)
    }
    return append([]byte{frameMessage}, body...), nil
}

// EncodeAck serializes a for transmission.
func EncodeAck(a *mail.Ack) ([]byte, error) {
    id, err := uuid.Parse(a.AckFor)
    if err != nil {
        return nil, fmt.Errorf("wire: ack-for id is not a uuid: %w", err)
    }
    body, err := encMode.Marshal(wireAck{
        AckFor: id[:],
        From:   uint32(a.From),
        To:     uint32(a.To),
    })
    if err != nil {
        return nil, fmt.Errorf("wire: encode ack: %w", err)
    }
    return append([]byte{frameAck}, body...), nil
}

// EncodedSize returns the on-air size of m. Used by the store to enforce the
// transport payload budget before a message is accepted.
func EncodedSize(m *mail.Message) (int, error) {
    p, err := EncodeMessage(m)
    if err != nil {
        return 0, err
    }
    return len(p), nil
}

// Decode parses a radio payload. Exactly one of the returned message/ack is
// non-nil on success. Any malformed input yields a *CodecError.
func Decode(payload []byte) (*mail.Message, *mail.Ack, error) {
    if len(payload) < 2 {
        return nil, nil, &CodecError{Reason: "payload too short"}
    }
    switch payload[0] {
    case frameMessage:
        var w wireMessage
        if err := decMode.Unmarshal(payload[1:], &w); err != nil {
            return nil, nil, &CodecError{Reason: "bad message body", Err: err}
        }
        m, err := w.toMail()
        if err != nil {
            return nil, nil, err
        }
        return m, nil, nil
    case frameAck:
        var w wireAck
        if err := decMode.Unmarshal(payload[1:], &w); err != nil {
            return nil, nil, &CodecError{Reason: "bad ack body", Err: err}
        }
        id, err := uuid.FromBytes(w.AckFor)
        if err != nil {
            return nil, nil, &CodecError{Reason: "bad ack-for id", Err: err}
        }
        return nil, &mail.Ack{
            AckFor: id.String(),
            From:   mail.NodeID(w.From),
            To:     mail.NodeID(w.To),
        }, nil
    default:
        return nil, nil, &CodecError{Reason: fmt.Sprintf("unknown frame type 0x%02x", payload[0])}
    }
}

func (w wireMessage) toMail() (*mail.Message, error) {
    id, err := uuid.FromBytes(w.ID)
    if err != nil {
        return nil, &CodecError{Reason: "bad message id", Err: err}
    }
    if w.To == 0 || w.From == 0 {
        return nil, &CodecError{Reason: "missing addressing"}
    }
    if w.Body == "" {
        return nil, &CodecError{Reason: "missing body"}
    }
    return &mail.Message{
        ID:        id.String(),
        From:      mail.NodeID(w.From),
        To:        mail.NodeID(w.To),
        Subject:   w.Subject,
        Body:      w.Body,
        CreatedAt: timeFromUnix(w.CreatedAt),
        Hops:      w.Hops,
        Direction: mail.Inbound,
        Status:    mail.StatusReceived,
    }, nil
}

func timeFromUnix(sec int64) time.Time {
    if sec <= 0 {
        return time.Time{}
    }
    return time.Unix(sec, 0).UTC()
}
