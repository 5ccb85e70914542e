package ipc

import (
    "context"
    "encoding/json"
    "errors"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/config"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

// Handler answers companion commands. The relay implements it; command
// handling never blocks on the radio (send only enqueues).
type Handler interface {
    NodeID() mail.NodeID
    Send(ctx context.Context, to mail.NodeID, subject, body string) (*mail.Message, error)
    Inbox(ctx context.Context, limit int) ([]*mail.Message, error)
    Outbox(ctx context.Context, limit int) ([]*mail.Message, error)
    Status(ctx context.Context, id string) (*mail.Message, error)
    SetAlias(ctx context.Context, name string) error
}

// eventBuffer bounds queued event frames per link. The relay never waits on
// the companion: a companion that stops draining loses events and
// re-synchronizes with status/read, same as after a reconnect.
const eventBuffer = 32

// Server owns the companion side of the relay: exactly one client at a time
// (the link models a serial cable); a new connection replaces the previous
// one. It doubles as the relay's event Notifier.
type Server struct {
    cfg     config.IPCConfig
    handler Handler
    appName string
    log     *zap.Logger

    mu  sync.Mutex
    cur *link
    wmu sync.Mutex // serializes frame writes on the current conn
}

// link is one companion connection with its event queue. Events flow through
// the buffered channel to a writer goroutine so notifier calls from the
// scheduler and inbound paths never touch the socket.
type link struct {
    conn   net.Conn
    events chan *Envelope
    done   chan struct{}
    once   sync.Once
}

func (l *link) shutdown() {
    l.once.Do(func() {
        l.conn.Close()
        close(l.done)
    })
}

// NewServer builds a server; Run must be called to start accepting.
func NewServer(cfg config.IPCConfig, h Handler, appName string, log *zap.Logger) *Server {
    return &Server{cfg: cfg, handler: h, appName: appName, log: log}
}

// Run accepts companion connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
    ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
    if err != nil {
        return err
    }
    go func() {
        <-ctx.Done()
        ln.Close()
    }()
    s.log.Info("companion link listening",
        zap.String("network", s.cfg.Network), zap.String("address", s.cfg.Address))

    for {
        conn, err := ln.Accept()
        if err != nil {
            if ctx.Err() != nil {
                return nil
            }
            s.log.Warn("accept failed", zap.Error(err))
            continue
        }
        l := s.attach(conn)
        go s.serve(ctx, l)
    }
}

// attach makes conn the active companion, displacing any previous one, and
// starts its event writer. Missed events are not replayed; the companion
// re-synchronizes with status/read.
func (s *Server) attach(conn net.Conn) *link {
    l := &link{
        conn:   conn,
        events: make(chan *Envelope, eventBuffer),
        done:   make(chan struct{}),
    }
    s.mu.Lock()
    old := s.cur
    s.cur = l
    s.mu.Unlock()
    if old != nil {
        s.log.Info("companion replaced, closing previous link")
        old.shutdown()
    } else {
        s.log.Info("companion connected", zap.String("remote", conn.RemoteAddr().String()))
    }
    go s.eventLoop(l)
    return l
}

func (s *Server) detach(l *link) {
    s.mu.Lock()
    if s.cur == l {
        s.cur = nil
    }
    s.mu.Unlock()
    l.shutdown()
}

// eventLoop drains the link's event queue onto the socket. A write failure
// (including the write deadline firing on a non-draining companion) tears the
// link down; the relay side never waits.
func (s *Server) eventLoop(l *link) {
    for {
        select {
        case <-l.done:
            return
        case env := <-l.events:
            if err := s.writeTo(l.conn, env); err != nil {
                s.log.Warn("event push failed, dropping link", zap.Error(err))
                s.detach(l)
                return
            }
        }
    }
}

func (s *Server) serve(ctx context.Context, l *link) {
    conn := l.conn
    defer s.detach(l)
    for {
        // No frame inside the liveness window means the link is down; the
        // client pings well inside it.
        _ = conn.SetReadDeadline(time.Now().Add(s.cfg.LivenessWindow))
        env, err := ReadFrame(conn)
        if err != nil {
            if errors.Is(err, ErrFraming) {
                s.log.Error("companion stream desync, dropping link", zap.Error(err))
            } else {
                s.log.Info("companion link closed", zap.Error(err))
            }
            return
        }
        // Commands are handled concurrently: pipelining is allowed and
        // correlation ids, not ordering, match responses.
        go s.handleCommand(ctx, conn, env)
    }
}

func (s *Server) handleCommand(ctx context.Context, conn net.Conn, env *Envelope) {
    resp := &Envelope{Kind: env.Kind, CorrelationID: env.CorrelationID}

    payload, herr := s.dispatch(ctx, env)
    if herr != nil {
        s.log.Debug("command failed", zap.String("kind", env.Kind), zap.Error(herr))
        payload = errPayload(herr)
    }
    body, err := json.Marshal(payload)
    if err != nil {
        s.log.Error("marshal response failed", zap.Error(err))
        return
    }
    resp.Payload = body
    if err := s.writeTo(conn, resp); err != nil {
        s.log.Warn("response write failed", zap.Error(err))
    }
}

func (s *Server) dispatch(ctx context.Context, env *Envelope) (any, error) {
    switch env.Kind {
    case KindPing:
        return PingResult{NodeID: uint32(s.handler.NodeID()), App: s.appName}, nil

    case KindSend:
        var req SendRequest
        if err := json.Unmarshal(env.Payload, &req); err != nil {
            return nil, &RemoteError{Kind: ErrKindValidation, Message: "bad send payload: " + err.Error()}
        }
        m, err := s.handler.Send(ctx, mail.NodeID(req.To), req.Subject, req.Body)
        if err != nil {
            return nil, err
        }
        return SendResult{MessageID: m.ID}, nil

    case KindRead, KindOutbox:
        var req ReadRequest
        if len(env.Payload) > 0 {
            if err := json.Unmarshal(env.Payload, &req); err != nil {
                return nil, &RemoteError{Kind: ErrKindValidation, Message: "bad read payload: " + err.Error()}
            }
        }
        var (
            msgs []*mail.Message
            err  error
        )
        if env.Kind == KindRead {
            msgs, err = s.handler.Inbox(ctx, req.Limit)
        } else {
            msgs, err = s.handler.Outbox(ctx, req.Limit)
        }
        if err != nil {
            return nil, err
        }
        out := ReadResult{Messages: make([]MessageInfo, 0, len(msgs))}
        for _, m := range msgs {
            out.Messages = append(out.Messages, InfoFromMail(m))
        }
        return out, nil

    case KindStatus:
        var req StatusRequest
        if err := json.Unmarshal(env.Payload, &req); err != nil || req.MessageID == "" {
            return nil, &RemoteError{Kind: ErrKindValidation, Message: "bad status payload"}
        }
        m, err := s.handler.Status(ctx, req.MessageID)
        if err != nil {
            return nil, err
        }
        if m == nil {
            return nil, &RemoteError{Kind: ErrKindNotFound, Message: "no such message: " + req.MessageID}
        }
        return StatusResult{Message: InfoFromMail(m)}, nil

    case KindAlias:
        var req AliasRequest
        if err := json.Unmarshal(env.Payload, &req); err != nil || req.Name == "" {
            return nil, &RemoteError{Kind: ErrKindValidation, Message: "bad alias payload"}
        }
        if err := s.handler.SetAlias(ctx, req.Name); err != nil {
            return nil, err
        }
        return struct{}{}, nil

    default:
        return nil, &RemoteError{Kind: ErrKindUnsupported, Message: "unknown command: " + env.Kind}
    }
}

func errPayload(err error) ErrorPayload {
    var re *RemoteError
    if errors.As(err, &re) {
        return ErrorPayload{ErrorKind: re.Kind, Message: re.Message}
    }
    var ve *mail.ValidationError
    if errors.As(err, &ve) {
        return ErrorPayload{ErrorKind: ErrKindValidation, Message: ve.Error()}
    }
    return ErrorPayload{ErrorKind: ErrKindInternal, Message: err.Error()}
}

func (s *Server) writeTo(conn net.Conn, env *Envelope) error {
    s.wmu.Lock()
    defer s.wmu.Unlock()
    // A companion that stops reading must not hold a write open forever; the
    // liveness window bounds it and the failed write drops the link.
    _ = conn.SetWriteDeadline(time.Now().Add(s.cfg.LivenessWindow))
    return WriteFrame(conn, env)
}

// pushEvent queues an unsolicited frame for the current companion, if any.
// The queue is bounded and this never blocks: a companion that is not
// connected or not draining simply misses the event.
func (s *Server) pushEvent(kind string, payload any) {
    s.mu.Lock()
    l := s.cur
    s.mu.Unlock()
    if l == nil {
        return
    }
    body, err := json.Marshal(payload)
    if err != nil {
        s.log.Error("marshal event failed", zap.String("kind", kind), zap.Error(err))
        return
    }
    select {
    case l.events <- &Envelope{Kind: kind, Payload: body}:
    case <-l.done:
    default:
        s.log.Warn("companion not draining, dropping event", zap.String("kind", kind))
    }
}

// MailArrived implements the relay Notifier.
func (s *Server) MailArrived(m *mail.Message) {
    s.pushEvent(KindMailArrived, MailArrivedEvent{Message: InfoFromMail(m)})
}

// StatusChanged implements the relay Notifier.
func (s *Server) StatusChanged(id string, status mail.Status, reason string, ackedBy mail.NodeID) {
    s.pushEvent(KindStatusChanged, StatusChangedEvent{
        MessageID: id,
        NewStatus: string(status),
        Reason:    reason,
        AckedBy:   uint32(ackedBy),
    })
}
