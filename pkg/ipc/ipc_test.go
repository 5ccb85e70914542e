package ipc

import (
    "bytes"
    "context"
    "encoding/binary"
    "encoding/json"
    "errors"
    "net"
    "os"
    "sync/atomic"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/config"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

func testIPCConfig(addr string) config.IPCConfig {
    return config.IPCConfig{
        Network:        "tcp",
        Address:        addr,
        LivenessWindow: 5 * time.Second,
        PingInterval:   time.Minute, // keep the ping loop out of the way
        BackoffInitial: 10 * time.Millisecond,
        BackoffMax:     50 * time.Millisecond,
    }
}

func TestFrameRoundTrip(t *testing.T) {
    var buf bytes.Buffer
    in := &Envelope{Kind: KindPing, CorrelationID: "c-1", Payload: json.RawMessage(`{"x":1}`)}
    if err := WriteFrame(&buf, in); err != nil {
        t.Fatalf("write: %v", err)
    }
    out, err := ReadFrame(&buf)
    if err != nil {
        t.Fatalf("read: %v", err)
    }
    if out.Kind != in.Kind || out.CorrelationID != in.CorrelationID {
        t.Fatalf("round trip: %+v", out)
    }
    if !bytes.Equal(out.Payload, in.Payload) {
        t.Fatalf("payload changed: %s", out.Payload)
    }
}

func TestReadFrameDesync(t *testing.T) {
    good := func() []byte {
        var buf bytes.Buffer
        if err := WriteFrame(&buf, &Envelope{Kind: KindPing}); err != nil {
            t.Fatal(err)
        }
        return buf.Bytes()
    }()

    corrupt := func(mutate func(b []byte)) []byte {
        b := append([]byte(nil), good...)
        mutate(b)
        return b
    }
    cases := map[string][]byte{
        "bad magic":   corrupt(func(b []byte) { b[0] = 'X' }),
        "bad version": corrupt(func(b []byte) { b[2] = 9 }),
        "huge length": corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[4:8], 1<<30) }),
        "zero length": corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[4:8], 0) }),
    }
    for name, raw := range cases {
        if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrFraming) {
            t.Fatalf("%s: err = %v, want ErrFraming", name, err)
        }
    }

    // Plain truncation is an I/O error, not a desync: reconnect handles it.
    if _, err := ReadFrame(bytes.NewReader(good[:len(good)-2])); errors.Is(err, ErrFraming) {
        t.Fatalf("truncation misreported as desync")
    }
}

// stubHandler answers commands with canned behavior.
type stubHandler struct {
    node       mail.NodeID
    sendErr    error
    statusGate chan struct{} // when set, Status blocks until closed
    known      *mail.Message
}

func (h *stubHandler) NodeID() mail.NodeID { return h.node }

func (h *stubHandler) Send(_ context.Context, to mail.NodeID, subject, body string) (*mail.Message, error) {
    if h.sendErr != nil {
        return nil, h.sendErr
    }
    return mail.New(h.node, to, subject, body), nil
}

func (h *stubHandler) Inbox(context.Context, int) ([]*mail.Message, error)  { return nil, nil }
func (h *stubHandler) Outbox(context.Context, int) ([]*mail.Message, error) { return nil, nil }

func (h *stubHandler) Status(_ context.Context, id string) (*mail.Message, error) {
    if h.statusGate != nil {
        <-h.statusGate
    }
    if h.known != nil && h.known.ID == id {
        return h.known, nil
    }
    return nil, nil
}

func (h *stubHandler) SetAlias(context.Context, string) error { return nil }

// pipeServer wires a Server to one end of an in-memory link and returns the
// companion's end for raw frame exchange.
func pipeServer(t *testing.T, h Handler) net.Conn {
    return pipeServerCfg(t, h, testIPCConfig(""))
}

func pipeServerCfg(t *testing.T, h Handler, cfg config.IPCConfig) net.Conn {
    t.Helper()
    srv := NewServer(cfg, h, "akita-test", zap.NewNop())
    serverEnd, clientEnd := net.Pipe()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    t.Cleanup(func() { clientEnd.Close() })
    l := srv.attach(serverEnd)
    go srv.serve(ctx, l)
    return clientEnd
}

func call(t *testing.T, conn net.Conn, kind, corr string, payload any) {
    t.Helper()
    body, err := json.Marshal(payload)
    if err != nil {
        t.Fatal(err)
    }
    if err := WriteFrame(conn, &Envelope{Kind: kind, CorrelationID: corr, Payload: body}); err != nil {
        t.Fatalf("write %s: %v", kind, err)
    }
}

func TestServerPing(t *testing.T) {
    conn := pipeServer(t, &stubHandler{node: 0x42})

    call(t, conn, KindPing, "p-1", struct{}{})
    resp, err := ReadFrame(conn)
    if err != nil {
        t.Fatal(err)
    }
    if resp.CorrelationID != "p-1" {
        t.Fatalf("correlation = %q", resp.CorrelationID)
    }
    var pong PingResult
    if err := json.Unmarshal(resp.Payload, &pong); err != nil {
        t.Fatal(err)
    }
    if pong.NodeID != 0x42 || pong.App != "akita-test" {
        t.Fatalf("pong = %+v", pong)
    }
}

func TestServerPipelining(t *testing.T) {
    gate := make(chan struct{})
    conn := pipeServer(t, &stubHandler{node: 1, statusGate: gate})

    // First command parks in the handler; the second overtakes it.
    call(t, conn, KindStatus, "slow", StatusRequest{MessageID: "whatever"})
    call(t, conn, KindPing, "fast", struct{}{})

    first, err := ReadFrame(conn)
    if err != nil {
        t.Fatal(err)
    }
    if first.CorrelationID != "fast" {
        t.Fatalf("first response correlates %q, want the pipelined ping", first.CorrelationID)
    }

    close(gate)
    second, err := ReadFrame(conn)
    if err != nil {
        t.Fatal(err)
    }
    if second.CorrelationID != "slow" {
        t.Fatalf("second response correlates %q", second.CorrelationID)
    }
}

func TestServerErrorMapping(t *testing.T) {
    h := &stubHandler{
        node:    1,
        sendErr: &mail.ValidationError{Field: "body", Reason: "must not be empty"},
    }
    conn := pipeServer(t, h)

    cases := []struct {
        corr, kind string
        payload    any
        wantKind   string
    }{
        {"c-1", KindSend, SendRequest{To: 2}, ErrKindValidation},
        {"c-2", KindStatus, StatusRequest{MessageID: "missing"}, ErrKindNotFound},
        {"c-3", "selfdestruct", struct{}{}, ErrKindUnsupported},
    }
    for _, tc := range cases {
        call(t, conn, tc.kind, tc.corr, tc.payload)
        resp, err := ReadFrame(conn)
        if err != nil {
            t.Fatalf("%s: %v", tc.corr, err)
        }
        re := decodeError(resp)
        if re == nil || re.Kind != tc.wantKind {
            t.Fatalf("%s: error = %+v, want kind %s", tc.corr, re, tc.wantKind)
        }
    }
}

func TestServerPushesEvents(t *testing.T) {
    h := &stubHandler{node: 1}
    srv := NewServer(testIPCConfig(""), h, "akita-test", zap.NewNop())
    serverEnd, clientEnd := net.Pipe()
    defer clientEnd.Close()
    defer serverEnd.Close()
    srv.attach(serverEnd)

    m := mail.New(5, 1, "news", "event body")
    srv.MailArrived(m)

    env, err := ReadFrame(clientEnd)
    if err != nil {
        t.Fatal(err)
    }
    if env.Kind != KindMailArrived || env.CorrelationID != "" {
        t.Fatalf("event frame = %+v", env)
    }
    var ev MailArrivedEvent
    if err := json.Unmarshal(env.Payload, &ev); err != nil {
        t.Fatal(err)
    }
    if ev.Message.ID != m.ID || ev.Message.Body != m.Body {
        t.Fatalf("event message = %+v", ev.Message)
    }
}

func TestMessageInfoCreatedTime(t *testing.T) {
    m := mail.New(1, 2, "s", "b")
    info := InfoFromMail(m)
    if !info.CreatedTime().Equal(m.CreatedAt) {
        t.Fatalf("created time %v, want %v", info.CreatedTime(), m.CreatedAt)
    }
}

func TestEventPushNeverBlocksOnStuckCompanion(t *testing.T) {
    cfg := testIPCConfig("")
    cfg.LivenessWindow = 200 * time.Millisecond
    srv := NewServer(cfg, &stubHandler{node: 1}, "akita-test", zap.NewNop())
    serverEnd, clientEnd := net.Pipe()
    defer clientEnd.Close()
    defer serverEnd.Close()
    srv.attach(serverEnd)

    // The companion never reads. Notifier calls come straight from the
    // scheduler and inbound paths, so flooding far past the queue depth must
    // return promptly with the surplus dropped, not queue on the socket.
    done := make(chan struct{})
    go func() {
        for i := 0; i < eventBuffer*4; i++ {
            srv.StatusChanged("m-1", mail.StatusSent, "", 0)
        }
        close(done)
    }()
    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatalf("status events blocked on a non-reading companion")
    }

    // The stalled write times out after the liveness window and the link is
    // torn down rather than left wedged.
    deadline := time.Now().Add(2 * time.Second)
    for {
        srv.mu.Lock()
        cur := srv.cur
        srv.mu.Unlock()
        if cur == nil {
            break
        }
        if time.Now().After(deadline) {
            t.Fatalf("link survived a wedged event write")
        }
        time.Sleep(20 * time.Millisecond)
    }
}

func TestServerDropsSilentCompanion(t *testing.T) {
    cfg := testIPCConfig("")
    cfg.LivenessWindow = 150 * time.Millisecond
    conn := pipeServerCfg(t, &stubHandler{node: 1}, cfg)

    // Send nothing at all; the relay must close the link once the liveness
    // window passes without a frame.
    _ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
    _, err := ReadFrame(conn)
    if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
        t.Fatalf("silent link survived the liveness window: %v", err)
    }
}

func TestClientPingsKeepLinkAlive(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil {
        t.Fatal(err)
    }
    defer ln.Close()

    var pings atomic.Int32
    go serveOnce(t, ln, func(conn net.Conn, env *Envelope) {
        if env.Kind == KindPing {
            pings.Add(1)
        }
        body, _ := json.Marshal(PingResult{NodeID: 7, App: "akita"})
        _ = WriteFrame(conn, &Envelope{Kind: env.Kind, CorrelationID: env.CorrelationID, Payload: body})
    })

    cfg := testIPCConfig(ln.Addr().String())
    cfg.PingInterval = 50 * time.Millisecond
    cfg.LivenessWindow = 250 * time.Millisecond
    c := NewClient(cfg, zap.NewNop())
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go func() { _ = c.Run(ctx) }()
    waitConnected(t, c)

    // Several liveness windows pass with no command traffic; the keepalive
    // pings are the only thing holding the link up.
    time.Sleep(4 * cfg.LivenessWindow)
    if !c.Connected() {
        t.Fatalf("idle link dropped despite keepalive pings")
    }
    if n := pings.Load(); n < 3 {
        t.Fatalf("pings seen = %d, want several", n)
    }
}

// serveOnce accepts one connection and answers frames with fn until the
// connection drops.
func serveOnce(t *testing.T, ln net.Listener, fn func(conn net.Conn, env *Envelope)) {
    t.Helper()
    conn, err := ln.Accept()
    if err != nil {
        return
    }
    defer conn.Close()
    for {
        env, err := ReadFrame(conn)
        if err != nil {
            return
        }
        fn(conn, env)
    }
}

func waitConnected(t *testing.T, c *Client) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for !c.Connected() {
        if time.Now().After(deadline) {
            t.Fatalf("client never connected")
        }
        time.Sleep(5 * time.Millisecond)
    }
}

func TestClientCallAndReconnect(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil {
        t.Fatal(err)
    }
    defer ln.Close()

    statusSeen := make(chan struct{}, 4)
    // Answers pings on every connection; status commands are swallowed so a
    // call can be caught in flight when the link drops.
    go func() {
        for {
            conn, err := ln.Accept()
            if err != nil {
                return
            }
            go func(conn net.Conn) {
                defer conn.Close()
                for {
                    env, err := ReadFrame(conn)
                    if err != nil {
                        return
                    }
                    if env.Kind == KindStatus {
                        statusSeen <- struct{}{}
                        continue
                    }
                    body, _ := json.Marshal(PingResult{NodeID: 7, App: "akita"})
                    _ = WriteFrame(conn, &Envelope{Kind: env.Kind, CorrelationID: env.CorrelationID, Payload: body})
                }
            }(conn)
        }
    }()

    c := NewClient(testIPCConfig(ln.Addr().String()), zap.NewNop())

    // No link yet: calls fail fast instead of queueing.
    if err := c.Call(context.Background(), KindPing, struct{}{}, nil); !errors.Is(err, ErrLinkDown) {
        t.Fatalf("call before connect: %v", err)
    }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go func() { _ = c.Run(ctx) }()
    waitConnected(t, c)

    var pong PingResult
    if err := c.Call(context.Background(), KindPing, struct{}{}, &pong); err != nil {
        t.Fatalf("call: %v", err)
    }
    if pong.NodeID != 7 {
        t.Fatalf("pong = %+v", pong)
    }

    // Drop the link under an in-flight call: the call aborts with
    // ErrLinkDown instead of hanging.
    done := make(chan error, 1)
    go func() {
        done <- c.Call(context.Background(), KindStatus, StatusRequest{MessageID: "x"}, nil)
    }()
    <-statusSeen
    c.mu.Lock()
    conn := c.conn
    c.mu.Unlock()
    conn.Close()

    select {
    case err := <-done:
        if !errors.Is(err, ErrLinkDown) {
            t.Fatalf("in-flight call: %v, want ErrLinkDown", err)
        }
    case <-time.After(3 * time.Second):
        t.Fatalf("in-flight call never returned")
    }

    // The client reconnects on its own and service resumes.
    waitConnected(t, c)
    if err := c.Call(context.Background(), KindPing, struct{}{}, &pong); err != nil {
        t.Fatalf("call after reconnect: %v", err)
    }
}

func TestClientRemoteError(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil {
        t.Fatal(err)
    }
    defer ln.Close()

    go serveOnce(t, ln, func(conn net.Conn, env *Envelope) {
        body, _ := json.Marshal(ErrorPayload{ErrorKind: ErrKindNotFound, Message: "nope"})
        _ = WriteFrame(conn, &Envelope{Kind: env.Kind, CorrelationID: env.CorrelationID, Payload: body})
    })

    c := NewClient(testIPCConfig(ln.Addr().String()), zap.NewNop())
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go func() { _ = c.Run(ctx) }()
    waitConnected(t, c)

    err = c.Call(context.Background(), KindStatus, StatusRequest{MessageID: "x"}, nil)
    var re *RemoteError
    if !errors.As(err, &re) || re.Kind != ErrKindNotFound {
        t.Fatalf("err = %v, want not_found RemoteError", err)
    }
}

func TestClientEventDelivery(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil {
        t.Fatal(err)
    }
    defer ln.Close()

    go func() {
        conn, err := ln.Accept()
        if err != nil {
            return
        }
        defer conn.Close()
        body, _ := json.Marshal(StatusChangedEvent{MessageID: "m-1", NewStatus: "acked", AckedBy: 9})
        _ = WriteFrame(conn, &Envelope{Kind: KindStatusChanged, Payload: body})
        // Hold the conn open so the client does not churn reconnects.
        time.Sleep(2 * time.Second)
    }()

    c := NewClient(testIPCConfig(ln.Addr().String()), zap.NewNop())
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go func() { _ = c.Run(ctx) }()

    select {
    case env := <-c.Events():
        if env.Kind != KindStatusChanged {
            t.Fatalf("event kind = %q", env.Kind)
        }
        var ev StatusChangedEvent
        if err := json.Unmarshal(env.Payload, &ev); err != nil {
            t.Fatal(err)
        }
        if ev.MessageID != "m-1" || ev.NewStatus != "acked" || ev.AckedBy != 9 {
            t.Fatalf("event = %+v", ev)
        }
    case <-time.After(3 * time.Second):
        t.Fatalf("event never delivered")
    }
}
