package wire

import (
    "errors"
    "testing"
    "time"

    "github.com/google/uuid"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

func TestMessageRoundTrip(t *testing.T) {
    m := &mail.Message{
        ID:        uuid.NewString(),
        From:      0x11223344,
        To:        0x55667788,
        Subject:   "supply run",
        Body:      "meet at the north ridge at noon",
        CreatedAt: time.Unix(1700000000, 0).UTC(),
        Hops:      3,
    }
    p, err := EncodeMessage(m)
    if err != nil { t.Fatalf("encode: %v", err) }

    got, ack, err := Decode(p)
    if err != nil { t.Fatalf("decode: %v", err) }
    if ack != nil { t.Fatalf("decoded as ack") }

    if got.ID != m.ID || got.From != m.From || got.To != m.To {
        t.Fatalf("identity mismatch: %+v vs %+v", got, m)
    }
    if got.Subject != m.Subject || got.Body != m.Body || got.Hops != m.Hops {
        t.Fatalf("content mismatch: %+v vs %+v", got, m)
    }
    if !got.CreatedAt.Equal(m.CreatedAt) {
        t.Fatalf("created at %v, want %v", got.CreatedAt, m.CreatedAt)
    }
    if got.Direction != mail.Inbound || got.Status != mail.StatusReceived {
        t.Fatalf("decoded bookkeeping wrong: %+v", got)
    }
}

func TestFreshMessageRoundTripsExactly(t *testing.T) {
    // mail.New clamps CreatedAt to the codec's one-second resolution, so no
    // field may change across encode/decode.
    m := mail.New(1, 2, "status", "precision matters")
    p, err := EncodeMessage(m)
    if err != nil { t.Fatalf("encode: %v", err) }
    got, _, err := Decode(p)
    if err != nil { t.Fatalf("decode: %v", err) }
    if !got.CreatedAt.Equal(m.CreatedAt) {
        t.Fatalf("created at %v, want %v", got.CreatedAt, m.CreatedAt)
    }
}

func TestEmptySubjectIsNotAnError(t *testing.T) {
    m := &mail.Message{
        ID:        uuid.NewString(),
        From:      1,
        To:        2,
        Body:      "no subject here",
        CreatedAt: time.Unix(1700000000, 0).UTC(),
    }
    p, err := EncodeMessage(m)
    if err != nil { t.Fatalf("encode: %v", err) }
    got, _, err := Decode(p)
    if err != nil { t.Fatalf("decode: %v", err) }
    if got.Subject != "" { t.Fatalf("subject = %q, want empty", got.Subject) }
}

func TestAckRoundTrip(t *testing.T) {
    a := &mail.Ack{AckFor: uuid.NewString(), From: 7, To: 9}
    p, err := EncodeAck(a)
    if err != nil { t.Fatalf("encode: %v", err) }
    msg, got, err := Decode(p)
    if err != nil { t.Fatalf("decode: %v", err) }
    if msg != nil { t.Fatalf("decoded as message") }
    if got.AckFor != a.AckFor || got.From != a.From || got.To != a.To {
        t.Fatalf("ack mismatch: %+v vs %+v", got, a)
    }
}

func TestDecodeMalformed(t *testing.T) {
    m := &mail.Message{
        ID: uuid.NewString(), From: 1, To: 2, Body: "x",
        CreatedAt: time.Unix(1700000000, 0).UTC(),
    }
    valid, err := EncodeMessage(m)
    if err != nil { t.Fatalf("encode: %v", err) }

    cases := map[string][]byte{
        "empty":        nil,
        "too short":    {0x01},
        "unknown type": append([]byte{0x7F}, valid[1:]...),
        "truncated":    valid[:len(valid)/2],
        "garbage body": {0x01, 0xFF, 0xFF, 0xFF},
    }
    for name, payload := range cases {
        if _, _, err := Decode(payload); err == nil {
            t.Fatalf("%s: decode accepted malformed input", name)
        } else {
            var ce *CodecError
            if !errors.As(err, &ce) {
                t.Fatalf("%s: error %v is not a CodecError", name, err)
            }
        }
    }
}

func TestDecodeRejectsMissingFields(t *testing.T) {
    // An ack body under a message discriminator decodes structurally but
    // fails field validation.
    a := &mail.Ack{AckFor: uuid.NewString(), From: 3, To: 4}
    p, err := EncodeAck(a)
    if err != nil { t.Fatalf("encode: %v", err) }
    p[0] = 0x01
    if _, _, err := Decode(p); err == nil {
        t.Fatalf("decode accepted message with no body text")
    }
}

func TestEncodedSizeTracksPayload(t *testing.T) {
    small := &mail.Message{ID: uuid.NewString(), From: 1, To: 2, Body: "hi", CreatedAt: time.Unix(1700000000, 0)}
    big := &mail.Message{ID: uuid.NewString(), From: 1, To: 2, Body: string(make([]byte, 1024)), CreatedAt: time.Unix(1700000000, 0)}
    sn, err := EncodedSize(small)
    if err != nil { t.Fatalf("size small: %v", err) }
    bn, err := EncodedSize(big)
    if err != nil { t.Fatalf("size big: %v", err) }
    if sn >= bn { t.Fatalf("size not monotonic: %d >= %d", sn, bn) }
    if p, _ := EncodeMessage(small); len(p) != sn {
        t.Fatalf("EncodedSize %d != len(encode) %d", sn, len(p))
    }
}
