// Package relay is the delivery engine: it owns the radio adapter and the
// message store, runs the retry/expiry scheduler, answers companion commands
// and turns inbound packets into inbox rows and acknowledgements.
package relay

import (
    "context"
    "errors"
    "fmt"
    "time"

    "go.uber.org/zap"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/config"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/store"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/transport"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/wire"
)

// ackRetries bounds the re-read loop when an ack races a concurrent
// dispatch: the CAS may lose once to a pending->sent transition and must be
// retried from the fresh status.
const ackRetries = 3

// Relay wires the store, the radio and the companion notifier together.
type Relay struct {
    store  *store.Store
    radio  transport.Adapter
    cfg    config.DeliveryConfig
    log    *zap.Logger
    notify Notifier

    // nowFn is the injected clock; all timing decisions flow through it.
    nowFn func() time.Time
}

// New builds a relay. The notifier may be swapped later via SetNotifier when
// a companion connects.
func New(st *store.Store, radio transport.Adapter, cfg config.DeliveryConfig, log *zap.Logger) *Relay {
    return &Relay{
        store:  st,
        radio:  radio,
        cfg:    cfg,
        log:    log,
        notify: NopNotifier{},
        nowFn:  time.Now,
    }
}

// SetNotifier replaces the event sink. Safe to call before Run only.
func (r *Relay) SetNotifier(n Notifier) {
    if n == nil {
        n = NopNotifier{}
    }
    r.notify = n
}

// NodeID reports the local mesh identifier.
func (r *Relay) NodeID() mail.NodeID { return r.radio.NodeID() }

// Run services inbound packets and drives the scheduler until ctx is
// cancelled. It returns a non-nil error only on unrecoverable store failure,
// which the caller must treat as fatal.
func (r *Relay) Run(ctx context.Context) error {
    errc := make(chan error, 2)

    go func() { errc <- r.inboundLoop(ctx) }()
    go func() { errc <- r.scheduleLoop(ctx) }()

    err := <-errc
    if err != nil && !errors.Is(err, context.Canceled) {
        return err
    }
    <-errc
    return nil
}

func (r *Relay) inboundLoop(ctx context.Context) error {
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case p, ok := <-r.radio.Inbound():
            if !ok {
                return nil
            }
            r.handlePacket(ctx, p)
        }
    }
}

// handlePacket decodes and dispatches one radio packet. Malformed packets are
// counted and dropped; the mesh carries plenty of traffic that is not ours.
func (r *Relay) handlePacket(ctx context.Context, p transport.Packet) {
    msg, ack, err := wire.Decode(p.Payload)
    if err != nil {
        var ce *wire.CodecError
        if errors.As(err, &ce) {
            metricCodecErrors.Inc()
            r.log.Debug("dropping malformed packet", zap.Uint32("source", uint32(p.Source)), zap.Error(err))
            return
        }
        r.log.Warn("decode failed", zap.Error(err))
        return
    }
    if ack != nil {
        r.handleAck(ctx, ack)
        return
    }
    r.handleMessage(ctx, msg, p.Source)
}

func (r *Relay) handleMessage(ctx context.Context, m *mail.Message, via mail.NodeID) {
    if m.To != r.NodeID() {
        r.forward(ctx, m)
        return
    }

    stored, err := r.store.StoreInbound(ctx, m, r.nowFn())
    if err != nil {
        r.log.Error("store inbound failed", zap.String("id", m.ID), zap.Error(err))
        return
    }
    if stored {
        metricReceived.Inc()
        r.log.Info("mail received",
            zap.String("id", m.ID),
            zap.Uint32("from", uint32(m.From)),
            zap.Uint32("via", uint32(via)))
        r.notify.MailArrived(m)
    } else {
        metricDuplicates.Inc()
        r.log.Debug("duplicate mail ignored", zap.String("id", m.ID))
    }

    // Ack every reception, duplicates included: the previous ack may have
    // been lost on air and the sender is still retrying.
    r.sendAck(ctx, m)
}

// forward re-queues a message addressed to another node into the local
// outbox, where it rides the normal retry/expiry machine. The id is kept so
// downstream dedupe still works.
func (r *Relay) forward(ctx context.Context, m *mail.Message) {
    hops := int(m.Hops) + 1
    if hops > r.cfg.HopLimit {
        r.log.Warn("dropping message, hop limit exceeded",
            zap.String("id", m.ID), zap.Int("hops", hops), zap.Int("limit", r.cfg.HopLimit))
        return
    }
    fwd := *m
    fwd.Hops = uint8(hops)
    fwd.Direction = mail.Outbound

    queued, err := r.store.EnqueueOutbound(ctx, &fwd, r.nowFn())
    if err != nil {
        r.log.Error("queue forwarded message failed", zap.String("id", m.ID), zap.Error(err))
        return
    }
    if queued {
        metricForwarded.Inc()
        r.log.Info("forwarding mail",
            zap.String("id", m.ID), zap.Uint32("to", uint32(m.To)), zap.Int("hops", hops))
    }
}

// handleAck correlates an acknowledgement with a pending outbound message.
// Unknown or foreign ids are discarded silently: retransmission and mesh
// cross-talk make those routine.
func (r *Relay) handleAck(ctx context.Context, a *mail.Ack) {
    if a.To != r.NodeID() {
        r.log.Debug("ignoring ack addressed elsewhere", zap.Uint32("to", uint32(a.To)))
        return
    }

    for i := 0; i < ackRetries; i++ {
        m, err := r.store.GetOutbound(ctx, a.AckFor)
        if err != nil {
            r.log.Error("ack lookup failed", zap.String("id", a.AckFor), zap.Error(err))
            return
        }
        if m == nil {
            r.log.Debug("ack for unknown message", zap.String("id", a.AckFor))
            return
        }
        if m.Status.Terminal() {
            // Late duplicate after acked/failed: safe no-op.
            return
        }
        applied, err := r.store.Transition(ctx, m.ID, m.Status, mail.StatusAcked,
            store.Meta{At: r.nowFn(), AckedBy: a.From})
        if err != nil {
            r.log.Error("ack transition failed", zap.String("id", m.ID), zap.Error(err))
            return
        }
        if applied {
            metricAcked.Inc()
            r.log.Info("delivery confirmed",
                zap.String("id", m.ID), zap.Uint32("by", uint32(a.From)))
            r.notify.StatusChanged(m.ID, mail.StatusAcked, "", a.From)
            return
        }
        // Lost the CAS to a concurrent transition; re-read and try again.
    }
}

func (r *Relay) sendAck(ctx context.Context, m *mail.Message) {
    payload, err := wire.EncodeAck(&mail.Ack{AckFor: m.ID, From: r.NodeID(), To: m.From})
    if err != nil {
        r.log.Error("encode ack failed", zap.String("id", m.ID), zap.Error(err))
        return
    }
    sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
    defer cancel()
    if err := r.radio.Send(sendCtx, m.From, payload, uint8(r.cfg.HopLimit)); err != nil {
        // Nothing to do: the sender keeps retrying and we re-ack each copy.
        r.log.Warn("ack send failed", zap.String("id", m.ID), zap.Error(err))
    }
}

// Send validates and enqueues a new outbound message from the companion. The
// call returns as soon as the row is durable; transmission is the
// scheduler's job.
func (r *Relay) Send(ctx context.Context, to mail.NodeID, subject, body string) (*mail.Message, error) {
    m := mail.New(r.NodeID(), to, subject, body)
    if _, err := r.store.EnqueueOutbound(ctx, m, r.nowFn()); err != nil {
        return nil, err
    }
    r.log.Info("mail queued", zap.String("id", m.ID), zap.Uint32("to", uint32(to)))
    return m, nil
}

// Inbox returns the newest limit inbox messages.
func (r *Relay) Inbox(ctx context.Context, limit int) ([]*mail.Message, error) {
    if limit <= 0 || limit > 500 {
        limit = r.cfg.InboxReadLimit
    }
    return r.store.ListInbox(ctx, limit)
}

// Outbox returns the newest limit outbox messages.
func (r *Relay) Outbox(ctx context.Context, limit int) ([]*mail.Message, error) {
    if limit <= 0 || limit > 500 {
        limit = r.cfg.InboxReadLimit
    }
    return r.store.ListOutbox(ctx, limit)
}

// Status looks up one outbound message; (nil, nil) when unknown.
func (r *Relay) Status(ctx context.Context, id string) (*mail.Message, error) {
    return r.store.GetOutbound(ctx, id)
}

// SetAlias passes the node name through to the radio, when it supports it.
func (r *Relay) SetAlias(ctx context.Context, name string) error {
    as, ok := r.radio.(transport.AliasSetter)
    if !ok {
        return fmt.Errorf("relay: radio adapter does not support aliases")
    }
    return as.SetAlias(ctx, name)
}
