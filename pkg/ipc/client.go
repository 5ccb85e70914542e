package ipc

import (
    "context"
    "encoding/json"
    "errors"
    "math/rand"
    "net"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/config"
)

// Client is the companion side of the link. It keeps reconnecting with
// backoff, pings inside the liveness window, and fails all in-flight calls
// with ErrLinkDown when the link drops. Events missed while disconnected are
// gone; callers re-synchronize with status/read after a reconnect.
type Client struct {
    cfg config.IPCConfig
    log *zap.Logger

    mu      sync.Mutex
    conn    net.Conn
    pending map[string]chan *Envelope

    wmu    sync.Mutex
    events chan *Envelope
}

// NewClient builds a client; Run drives the connection.
func NewClient(cfg config.IPCConfig, log *zap.Logger) *Client {
    return &Client{
        cfg:     cfg,
        log:     log,
        pending: make(map[string]chan *Envelope),
        events:  make(chan *Envelope, 32),
    }
}

// Events delivers relay-pushed frames (mailArrived, statusChanged). Slow
// consumers lose events rather than stalling the link.
func (c *Client) Events() <-chan *Envelope { return c.events }

// Connected reports whether a link is currently up.
func (c *Client) Connected() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.conn != nil
}

// Run maintains the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
    attempt := 0
    for {
        if ctx.Err() != nil {
            return ctx.Err()
        }
        conn, err := (&net.Dialer{}).DialContext(ctx, c.cfg.Network, c.cfg.Address)
        if err != nil {
            attempt++
            d := c.backoff(attempt)
            c.log.Debug("relay link dial failed", zap.Error(err), zap.Duration("retry_in", d))
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-time.After(d):
            }
            continue
        }
        attempt = 0
        c.log.Info("relay link up", zap.String("address", c.cfg.Address))

        c.mu.Lock()
        c.conn = conn
        c.mu.Unlock()

        pingCtx, stopPing := context.WithCancel(ctx)
        go c.pingLoop(pingCtx)
        c.readLoop(conn)
        stopPing()

        c.mu.Lock()
        c.conn = nil
        c.mu.Unlock()
        conn.Close()
        c.failPending()
        c.log.Warn("relay link down, reconnecting")
    }
}

func (c *Client) backoff(attempt int) time.Duration {
    d := c.cfg.BackoffInitial << uint(min(attempt-1, 16))
    if d > c.cfg.BackoffMax || d <= 0 {
        d = c.cfg.BackoffMax
    }
    if c.cfg.BackoffJitter > 0 {
        d += time.Duration(rand.Int63n(int64(c.cfg.BackoffJitter)))
    }
    return d
}

func (c *Client) readLoop(conn net.Conn) {
    for {
        _ = conn.SetReadDeadline(time.Now().Add(c.cfg.LivenessWindow))
        env, err := ReadFrame(conn)
        if err != nil {
            if errors.Is(err, ErrFraming) {
                c.log.Error("relay stream desync", zap.Error(err))
            }
            return
        }
        if env.CorrelationID == "" {
            select {
            case c.events <- env:
            default:
                c.log.Warn("event buffer full, dropping", zap.String("kind", env.Kind))
            }
            continue
        }
        c.mu.Lock()
        ch := c.pending[env.CorrelationID]
        delete(c.pending, env.CorrelationID)
        c.mu.Unlock()
        if ch != nil {
            ch <- env
        }
    }
}

// failPending aborts every in-flight call. This is an IPC-layer failure only:
// the relay may well have executed the command.
func (c *Client) failPending() {
    c.mu.Lock()
    defer c.mu.Unlock()
    for id, ch := range c.pending {
        close(ch)
        delete(c.pending, id)
    }
}

func (c *Client) pingLoop(ctx context.Context) {
    ticker := time.NewTicker(c.cfg.PingInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            callCtx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
            // A failed ping needs no handling: the read deadline notices a
            // dead link on its own.
            _ = c.Call(callCtx, KindPing, struct{}{}, nil)
            cancel()
        }
    }
}

// Call issues one command and waits for its response. Responses are matched
// by correlation id; calls may be issued concurrently and answered in any
// order. Returns ErrLinkDown when the link is or goes down, or a
// *RemoteError for a relay-side failure.
func (c *Client) Call(ctx context.Context, kind string, payload any, result any) error {
    body, err := json.Marshal(payload)
    if err != nil {
        return err
    }
    corr := uuid.NewString()
    env := &Envelope{Kind: kind, CorrelationID: corr, Payload: body}

    c.mu.Lock()
    conn := c.conn
    if conn == nil {
        c.mu.Unlock()
        return ErrLinkDown
    }
    ch := make(chan *Envelope, 1)
    c.pending[corr] = ch
    c.mu.Unlock()

    c.wmu.Lock()
    err = WriteFrame(conn, env)
    c.wmu.Unlock()
    if err != nil {
        c.mu.Lock()
        delete(c.pending, corr)
        c.mu.Unlock()
        return ErrLinkDown
    }

    select {
    case <-ctx.Done():
        c.mu.Lock()
        delete(c.pending, corr)
        c.mu.Unlock()
        return ctx.Err()
    case resp, ok := <-ch:
        if !ok {
            return ErrLinkDown
        }
        if re := decodeError(resp); re != nil {
            return re
        }
        if result != nil && len(resp.Payload) > 0 {
            return json.Unmarshal(resp.Payload, result)
        }
        return nil
    }
}
