package transport

import (
    "context"
    "sync"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

// Hub is an in-process mesh used by tests and single-host experiments.
// Attached nodes exchange packets directly; an optional drop hook simulates
// the radio's lossiness.
type Hub struct {
    mu    sync.Mutex
    nodes map[mail.NodeID]*MemNode
    drop  func(dest mail.NodeID, payload []byte) bool
}

func NewHub() *Hub { return &Hub{nodes: make(map[mail.NodeID]*MemNode)} }

// SetDrop installs a hook consulted before every delivery; returning true
// silently drops the packet, like air does.
func (h *Hub) SetDrop(fn func(dest mail.NodeID, payload []byte) bool) {
    h.mu.Lock()
    h.drop = fn
    h.mu.Unlock()
}

// Attach registers a node on the hub and returns its adapter.
func (h *Hub) Attach(id mail.NodeID) *MemNode {
    h.mu.Lock()
    defer h.mu.Unlock()
    n := &MemNode{id: id, hub: h, in: make(chan Packet, 64)}
    h.nodes[id] = n
    return n
}

func (h *Hub) deliver(from, dest mail.NodeID, payload []byte) {
    h.mu.Lock()
    drop := h.drop
    n := h.nodes[dest]
    h.mu.Unlock()
    if drop != nil && drop(dest, payload) {
        return
    }
    if n == nil {
        return // unreachable node: packets vanish, as on air
    }
    p := Packet{Payload: append([]byte(nil), payload...), Source: from}
    select {
    case n.in <- p:
    default:
        // receiver not draining; a radio would drop too
    }
}

// MemNode is one attached node's adapter.
type MemNode struct {
    id      mail.NodeID
    hub     *Hub
    in      chan Packet
    closeMu sync.Once

    aliasMu sync.Mutex
    alias   string
}

func (n *MemNode) NodeID() mail.NodeID { return n.id }

func (n *MemNode) Send(ctx context.Context, dest mail.NodeID, payload []byte, _ uint8) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    n.hub.deliver(n.id, dest, payload)
    return nil
}

func (n *MemNode) Inbound() <-chan Packet { return n.in }

func (n *MemNode) Close() error {
    n.closeMu.Do(func() { close(n.in) })
    return nil
}

// SetAlias records the node name locally; the hub has no naming service.
func (n *MemNode) SetAlias(_ context.Context, name string) error {
    n.aliasMu.Lock()
    n.alias = name
    n.aliasMu.Unlock()
    return nil
}

// Alias returns the last name set via SetAlias.
func (n *MemNode) Alias() string {
    n.aliasMu.Lock()
    defer n.aliasMu.Unlock()
    return n.alias
}
