package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"
)

func TestDefaultsValidate(t *testing.T) {
    cfg, err := Load("")
    if err != nil {
        t.Fatalf("load with defaults: %v", err)
    }
    if cfg.Delivery.RetryInterval != 5*time.Minute || cfg.Delivery.Expiry != 6*time.Hour {
        t.Fatalf("delivery defaults: %+v", cfg.Delivery)
    }
    if cfg.Delivery.HopLimit != 7 || cfg.Delivery.PayloadLimit != 233 {
        t.Fatalf("mesh defaults: %+v", cfg.Delivery)
    }
    if cfg.IPC.Network != "tcp" {
        t.Fatalf("ipc defaults: %+v", cfg.IPC)
    }
}

func TestLoadFromFile(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "akita.yaml")
    yaml := `
app_name: basecamp-relay
data_dir: /var/lib/akita
log:
  level: debug
delivery:
  retry_interval: 2m
  expiry: 1h
transport:
  kind: mem
  node_id: 305419896
ipc:
  address: 127.0.0.1:9000
`
    if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
        t.Fatal(err)
    }
    cfg, err := Load(path)
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    if cfg.AppName != "basecamp-relay" || cfg.DataDir != "/var/lib/akita" {
        t.Fatalf("top level: %+v", cfg)
    }
    if cfg.Log.Level != "debug" {
        t.Fatalf("log: %+v", cfg.Log)
    }
    if cfg.Delivery.RetryInterval != 2*time.Minute || cfg.Delivery.Expiry != time.Hour {
        t.Fatalf("delivery: %+v", cfg.Delivery)
    }
    // Unset keys keep their defaults.
    if cfg.Delivery.PollInterval != 5*time.Second || cfg.Delivery.HopLimit != 7 {
        t.Fatalf("defaults lost: %+v", cfg.Delivery)
    }
    if cfg.Transport.Kind != "mem" || cfg.Transport.NodeID != 0x12345678 {
        t.Fatalf("transport: %+v", cfg.Transport)
    }
    if cfg.IPC.Address != "127.0.0.1:9000" {
        t.Fatalf("ipc: %+v", cfg.IPC)
    }
}

func TestValidateOrdering(t *testing.T) {
    write := func(t *testing.T, body string) string {
        t.Helper()
        path := filepath.Join(t.TempDir(), "akita.yaml")
        if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
            t.Fatal(err)
        }
        return path
    }

    cases := map[string]string{
        "poll above retry": `
delivery:
  poll_interval: 10m
  retry_interval: 5m
`,
        "retry above expiry": `
delivery:
  retry_interval: 7h
  expiry: 6h
`,
        "bad transport": `
transport:
  kind: carrier-pigeon
`,
        "bad log level": `
log:
  level: noisy
`,
        "ping above liveness": `
ipc:
  ping_interval: 20s
  liveness_window: 15s
`,
    }
    for name, body := range cases {
        if _, err := Load(write(t, body)); err == nil {
            t.Fatalf("%s: accepted", name)
        }
    }
}
