package mail

import (
    "strings"
    "testing"
)

func TestValidate(t *testing.T) {
    ok := New(1, 2, "subject", "body")
    if err := ok.Validate(60, 160); err != nil {
        t.Fatalf("valid message rejected: %v", err)
    }
    noSubject := New(1, 2, "", "body")
    if err := noSubject.Validate(60, 160); err != nil {
        t.Fatalf("empty subject rejected: %v", err)
    }

    cases := map[string]*Message{
        "missing id":     {To: 2, Body: "b"},
        "zero recipient": New(1, 0, "", "b"),
        "broadcast":      New(1, Broadcast, "", "b"),
        "empty body":     New(1, 2, "s", ""),
        "subject limit":  New(1, 2, strings.Repeat("x", 61), "b"),
        "body limit":     New(1, 2, "", strings.Repeat("x", 161)),
    }
    for name, m := range cases {
        err := m.Validate(60, 160)
        if err == nil {
            t.Fatalf("%s: accepted", name)
        }
        if _, ok := err.(*ValidationError); !ok {
            t.Fatalf("%s: err type %T", name, err)
        }
    }
}

func TestStatusTerminal(t *testing.T) {
    for s, want := range map[Status]bool{
        StatusPending:  false,
        StatusSent:     false,
        StatusAcked:    true,
        StatusFailed:   true,
        StatusReceived: false,
    } {
        if s.Terminal() != want {
            t.Fatalf("%s.Terminal() = %v", s, !want)
        }
    }
    if Status("bogus").Valid() {
        t.Fatalf("unknown status reported valid")
    }
}

func TestNewAssignsUniqueIDs(t *testing.T) {
    a, b := New(1, 2, "", "x"), New(1, 2, "", "x")
    if a.ID == "" || a.ID == b.ID {
        t.Fatalf("ids not unique: %q %q", a.ID, b.ID)
    }
    if a.Status != StatusPending || a.Direction != Outbound {
        t.Fatalf("fresh message: %+v", a)
    }
}
