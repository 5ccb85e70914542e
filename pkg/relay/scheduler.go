package relay

import (
    "context"
    "fmt"
    "time"

    "go.uber.org/zap"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/store"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/wire"
)

// maxCycleFailures is how many consecutive scheduler cycles may fail on store
// errors before the relay gives up. The store is the sole source of truth;
// running blind against it would silently corrupt delivery state.
const maxCycleFailures = 5

// scheduleLoop runs the expiry and dispatch passes at the poll cadence. The
// poll interval only bounds how quickly due/expired messages are noticed;
// correctness never depends on tick granularity.
func (r *Relay) scheduleLoop(ctx context.Context) error {
    ticker := time.NewTicker(r.cfg.PollInterval)
    defer ticker.Stop()

    failures := 0
    for {
        if err := r.runCycle(ctx); err != nil {
            failures++
            r.log.Error("scheduler cycle failed", zap.Int("consecutive", failures), zap.Error(err))
            if failures >= maxCycleFailures {
                return fmt.Errorf("relay: %d consecutive scheduler failures, store unusable: %w", failures, err)
            }
        } else {
            failures = 0
        }

        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-ticker.C:
        }
    }
}

// runCycle performs one scan: expire first so a message past its deadline is
// never given another attempt, then dispatch whatever is due.
func (r *Relay) runCycle(ctx context.Context) error {
    now := r.nowFn()

    expired, err := r.store.ListExpiredPending(ctx, now)
    if err != nil {
        return err
    }
    for _, m := range expired {
        applied, err := r.store.Transition(ctx, m.ID, m.Status, mail.StatusFailed, store.Meta{At: now})
        if err != nil {
            return err
        }
        if applied {
            metricFailed.WithLabelValues("expired").Inc()
            r.log.Warn("mail expired without ack",
                zap.String("id", m.ID),
                zap.Uint32("to", uint32(m.To)),
                zap.Int("attempts", m.AttemptCount))
            r.notify.StatusChanged(m.ID, mail.StatusFailed, "expired", 0)
        }
    }

    due, err := r.store.ListPendingDue(ctx, now)
    if err != nil {
        return err
    }
    for _, m := range due {
        if ctx.Err() != nil {
            return ctx.Err()
        }
        r.dispatch(ctx, m, now)
    }
    return nil
}

// dispatch attempts one transmission. A radio-level failure leaves the row
// untouched: the attempt never left the process, so it must not eat into the
// expiry budget.
func (r *Relay) dispatch(ctx context.Context, m *mail.Message, now time.Time) {
    remaining := r.cfg.HopLimit - int(m.Hops)
    if remaining < 1 {
        if applied, _ := r.store.Transition(ctx, m.ID, m.Status, mail.StatusFailed, store.Meta{At: now}); applied {
            metricFailed.WithLabelValues("hop-limit").Inc()
            r.log.Warn("mail dropped, no hop budget left", zap.String("id", m.ID))
            r.notify.StatusChanged(m.ID, mail.StatusFailed, "hop-limit", 0)
        }
        return
    }

    payload, err := wire.EncodeMessage(m)
    if err != nil {
        // Enqueue validated the encoded form; reaching this means the row is
        // damaged. Fail it rather than retrying forever.
        if applied, _ := r.store.Transition(ctx, m.ID, m.Status, mail.StatusFailed, store.Meta{At: now}); applied {
            metricFailed.WithLabelValues("encode").Inc()
            r.log.Error("encode failed for queued mail", zap.String("id", m.ID), zap.Error(err))
            r.notify.StatusChanged(m.ID, mail.StatusFailed, "encode", 0)
        }
        return
    }

    sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
    err = r.radio.Send(sendCtx, m.To, payload, uint8(remaining))
    cancel()
    if err != nil {
        metricSendFailures.Inc()
        r.log.Warn("radio send failed, will retry",
            zap.String("id", m.ID), zap.Uint32("to", uint32(m.To)), zap.Error(err))
        return
    }

    applied, err := r.store.Transition(ctx, m.ID, m.Status, mail.StatusSent, store.Meta{At: now})
    if err != nil {
        r.log.Error("sent transition failed", zap.String("id", m.ID), zap.Error(err))
        return
    }
    if !applied {
        // An ack or expiry won the race between the list and the send; the
        // extra packet on air is harmless.
        return
    }
    metricDispatched.Inc()
    r.log.Debug("mail dispatched",
        zap.String("id", m.ID),
        zap.Uint32("to", uint32(m.To)),
        zap.Int("attempt", m.AttemptCount+1),
        zap.Int("hop_budget", remaining))
    if m.AttemptCount == 0 {
        // Only the first attempt is an observable status change; later
        // re-dispatches stay logically sent.
        r.notify.StatusChanged(m.ID, mail.StatusSent, "", 0)
    }
}
