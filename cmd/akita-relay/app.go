package main

import (
    "context"
    "net/http"
    "os"
    "os/signal"
    "path/filepath"
    "strconv"
    "syscall"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/config"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/ipc"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/observability"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/relay"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/store"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/transport"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("akita relay starting", zap.String("app", cfg.AppName))

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    st, err := store.Open(ctx, store.Options{
        Path:            filepath.Join(cfg.DataDir, "akita.db"),
        RetryInterval:   cfg.Delivery.RetryInterval,
        Expiry:          cfg.Delivery.Expiry,
        MaxSubjectBytes: cfg.Delivery.MaxSubjectBytes,
        MaxBodyBytes:    cfg.Delivery.MaxBodyBytes,
        PayloadLimit:    cfg.Delivery.PayloadLimit,
    })
    if err != nil {
        zap.L().Error("failed to open message store", zap.Error(err))
        return 1
    }
    defer st.Close()

    radio, err := buildRadio(cfg.Transport, logger.Named("radio"))
    if err != nil {
        zap.L().Error("failed to start radio adapter", zap.Error(err))
        return 1
    }
    defer radio.Close()
    zap.L().Info("radio adapter ready",
        zap.String("kind", cfg.Transport.Kind),
        zap.Uint32("node_id", uint32(radio.NodeID())))

    r := relay.New(st, radio, cfg.Delivery, logger.Named("relay"))
    srv := ipc.NewServer(cfg.IPC, r, cfg.AppName, logger.Named("ipc"))
    r.SetNotifier(srv)

    if cfg.Metrics.Enable {
        go func() {
            mux := http.NewServeMux()
            mux.Handle("/metrics", promhttp.Handler())
            zap.L().Info("metrics listening", zap.String("address", cfg.Metrics.Listen))
            if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
                zap.L().Warn("metrics listener stopped", zap.Error(err))
            }
        }()
    }

    go func() {
        if err := srv.Run(ctx); err != nil {
            zap.L().Error("companion server failed", zap.Error(err))
            stop()
        }
    }()

    // Run blocks until shutdown; a non-nil error means the store is
    // unusable and the process must die loudly rather than limp on.
    if err := r.Run(ctx); err != nil {
        zap.L().Error("relay stopped", zap.Error(err))
        return 1
    }
    zap.L().Info("akita relay stopped")
    return 0
}

func buildRadio(cfg config.TransportConfig, log *zap.Logger) (transport.Adapter, error) {
    switch cfg.Kind {
    case "mem":
        // Loopback hub: useful for exercising the full stack on one host.
        return transport.NewHub().Attach(mail.NodeID(cfg.NodeID)), nil
    default:
        peers := make(map[mail.NodeID]string, len(cfg.Peers))
        for k, addr := range cfg.Peers {
            id, err := strconv.ParseUint(k, 10, 32)
            if err != nil {
                return nil, err
            }
            peers[mail.NodeID(id)] = addr
        }
        return transport.NewUDPBridge(mail.NodeID(cfg.NodeID), cfg.Listen, peers, log)
    }
}
