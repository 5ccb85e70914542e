// Package transport abstracts the mesh radio. The radio owns routing, path
// discovery, duty-cycle limits and channel encryption; this layer only hands
// it opaque payloads and receives payloads back. Delivery is fire-and-forget:
// a nil error from Send means the packet left this process, nothing more.
package transport

import (
    "context"
    "errors"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

// Packet is one inbound payload with the mesh-level source of the node that
// originated it.
type Packet struct {
    Payload []byte
    Source  mail.NodeID
}

// Adapter is the radio contract consumed by the relay.
type Adapter interface {
    // NodeID is this node's mesh identifier.
    NodeID() mail.NodeID
    // Send transmits payload toward dest with the given hop budget. The
    // caller bounds the call with ctx; a stuck radio must not stall the
    // scheduler.
    Send(ctx context.Context, dest mail.NodeID, payload []byte, hopLimit uint8) error
    // Inbound delivers received packets. The channel closes on Close.
    Inbound() <-chan Packet
    Close() error
}

// AliasSetter is implemented by adapters whose radio supports setting the
// node's owner name. The alias command is a passthrough to this.
type AliasSetter interface {
    SetAlias(ctx context.Context, name string) error
}

// ErrNoRoute is returned when the adapter has no way to reach dest. The
// scheduler treats it like any send failure: the message stays queued.
var ErrNoRoute = errors.New("transport: no route to destination")
