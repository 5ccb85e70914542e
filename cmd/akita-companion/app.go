package main

import (
    "bufio"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/config"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/ipc"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/observability"
)

const callTimeout = 10 * time.Second

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }
    if opts.Address != "" {
        cfg.IPC.Address = opts.Address
    }
    // The REPL owns stdout; keep the logger quiet unless asked for.
    cfg.Log.Outputs = []string{"stderr"}

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    client := ipc.NewClient(cfg.IPC, logger.Named("ipc"))
    go func() { _ = client.Run(ctx) }()
    go printEvents(ctx, client)

    fmt.Println("akita companion — type 'help' for commands")
    sc := bufio.NewScanner(os.Stdin)
    for {
        fmt.Print("> ")
        if !sc.Scan() {
            return 0
        }
        line := strings.TrimSpace(sc.Text())
        if line == "" {
            continue
        }
        cmd, rest, _ := strings.Cut(line, " ")
        switch cmd {
        case "quit", "exit":
            return 0
        case "help":
            printHelp()
        default:
            execute(ctx, client, cmd, strings.TrimSpace(rest))
        }
    }
}

func execute(ctx context.Context, client *ipc.Client, cmd, rest string) {
    ctx, cancel := context.WithTimeout(ctx, callTimeout)
    defer cancel()

    var err error
    switch cmd {
    case "send":
        err = doSend(ctx, client, rest)
    case "read":
        err = doList(ctx, client, ipc.KindRead, rest)
    case "outbox":
        err = doList(ctx, client, ipc.KindOutbox, rest)
    case "status":
        err = doStatus(ctx, client, rest)
    case "alias":
        if rest == "" {
            err = errors.New("usage: alias <name>")
            break
        }
        err = client.Call(ctx, ipc.KindAlias, ipc.AliasRequest{Name: rest}, nil)
        if err == nil {
            fmt.Println("alias set")
        }
    case "ping":
        var pong ipc.PingResult
        if err = client.Call(ctx, ipc.KindPing, struct{}{}, &pong); err == nil {
            fmt.Printf("pong from %s, node !%08x\n", pong.App, pong.NodeID)
        }
    default:
        err = fmt.Errorf("unknown command %q, try 'help'", cmd)
    }
    if err != nil {
        if errors.Is(err, ipc.ErrLinkDown) {
            fmt.Println("relay link is down, reconnecting — try again shortly")
            return
        }
        fmt.Println("error:", err)
    }
}

// doSend parses "send <node> <subject> | <body>"; without a '|' the whole
// text is the body and the subject stays empty.
func doSend(ctx context.Context, client *ipc.Client, rest string) error {
    toStr, text, ok := strings.Cut(rest, " ")
    if !ok {
        return errors.New("usage: send <node-id> [subject |] <body>")
    }
    to, err := parseNodeID(toStr)
    if err != nil {
        return err
    }
    var subject, body string
    if s, b, found := strings.Cut(text, "|"); found {
        subject, body = strings.TrimSpace(s), strings.TrimSpace(b)
    } else {
        body = strings.TrimSpace(text)
    }
    var res ipc.SendResult
    if err := client.Call(ctx, ipc.KindSend, ipc.SendRequest{To: to, Subject: subject, Body: body}, &res); err != nil {
        return err
    }
    fmt.Println("queued:", res.MessageID)
    return nil
}

func doList(ctx context.Context, client *ipc.Client, kind, rest string) error {
    limit := 0
    if rest != "" {
        n, err := strconv.Atoi(rest)
        if err != nil {
            return fmt.Errorf("bad limit %q", rest)
        }
        limit = n
    }
    var res ipc.ReadResult
    if err := client.Call(ctx, kind, ipc.ReadRequest{Limit: limit}, &res); err != nil {
        return err
    }
    if len(res.Messages) == 0 {
        fmt.Println("(empty)")
        return nil
    }
    for _, m := range res.Messages {
        printMessage(m)
    }
    return nil
}

func doStatus(ctx context.Context, client *ipc.Client, rest string) error {
    if rest == "" {
        return errors.New("usage: status <message-id>")
    }
    var res ipc.StatusResult
    if err := client.Call(ctx, ipc.KindStatus, ipc.StatusRequest{MessageID: rest}, &res); err != nil {
        return err
    }
    m := res.Message
    fmt.Printf("%s  %s  to=!%08x  attempts=%d\n", m.ID, m.Status, m.To, m.AttemptCount)
    if m.AckedBy != 0 {
        fmt.Printf("  confirmed by !%08x\n", m.AckedBy)
    }
    return nil
}

func printMessage(m ipc.MessageInfo) {
    ts := m.CreatedTime().Format("2006-01-02 15:04")
    subject := m.Subject
    if subject == "" {
        subject = "(no subject)"
    }
    fmt.Printf("%s  !%08x  %-10s %s\n    %s\n", ts, m.From, m.Status, subject, m.Body)
}

// printEvents renders relay-pushed events as they arrive, interleaved with
// the prompt. After a reconnect the relay does not replay missed events;
// 'read'/'status' give the authoritative picture.
func printEvents(ctx context.Context, client *ipc.Client) {
    for {
        select {
        case <-ctx.Done():
            return
        case env := <-client.Events():
            switch env.Kind {
            case ipc.KindMailArrived:
                var ev ipc.MailArrivedEvent
                if json.Unmarshal(env.Payload, &ev) == nil {
                    fmt.Printf("\n[new mail] from !%08x: %s\n> ", ev.Message.From, ev.Message.Subject)
                }
            case ipc.KindStatusChanged:
                var ev ipc.StatusChangedEvent
                if json.Unmarshal(env.Payload, &ev) == nil {
                    if ev.Reason != "" {
                        fmt.Printf("\n[status] %s -> %s (%s)\n> ", ev.MessageID, ev.NewStatus, ev.Reason)
                    } else {
                        fmt.Printf("\n[status] %s -> %s\n> ", ev.MessageID, ev.NewStatus)
                    }
                }
            }
        }
    }
}

func parseNodeID(s string) (uint32, error) {
    s = strings.TrimPrefix(s, "!")
    if n, err := strconv.ParseUint(s, 10, 32); err == nil {
        return uint32(n), nil
    }
    n, err := strconv.ParseUint(s, 16, 32)
    if err != nil {
        return 0, fmt.Errorf("bad node id %q (decimal or !hex)", s)
    }
    return uint32(n), nil
}

func printHelp() {
    fmt.Println(`commands:
  send <node-id> [subject |] <body>   queue a message for delivery
  read [limit]                        list received mail, newest first
  outbox [limit]                      list queued/sent mail, newest first
  status <message-id>                 show delivery state of a message
  alias <name>                        set this node's owner name on the radio
  ping                                check the relay is alive
  quit`)
}
