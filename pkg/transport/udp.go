package transport

import (
    "context"
    "encoding/binary"
    "fmt"
    "net"
    "sync"

    "go.uber.org/zap"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
)

// UDPBridge carries mesh payloads over UDP datagrams between statically
// configured peers. It stands in for a radio on bench setups where two relays
// run on LAN hosts. Each datagram is a 4-byte little-endian source node id
// followed by the payload (the real radio reports the source out of band).
type UDPBridge struct {
    id    mail.NodeID
    conn  *net.UDPConn
    peers map[mail.NodeID]*net.UDPAddr
    in    chan Packet
    log   *zap.Logger

    closeOnce sync.Once
    closed    chan struct{}
}

const udpHeaderLen = 4

// NewUDPBridge binds listen and starts the receive loop. peers maps node ids
// to their bridge addresses.
func NewUDPBridge(id mail.NodeID, listen string, peers map[mail.NodeID]string, log *zap.Logger) (*UDPBridge, error) {
    laddr, err := net.ResolveUDPAddr("udp", listen)
    if err != nil {
        return nil, fmt.Errorf("transport: resolve %q: %w", listen, err)
    }
    conn, err := net.ListenUDP("udp", laddr)
    if err != nil {
        return nil, fmt.Errorf("transport: listen %q: %w", listen, err)
    }

    b := &UDPBridge{
        id:     id,
        conn:   conn,
        peers:  make(map[mail.NodeID]*net.UDPAddr, len(peers)),
        in:     make(chan Packet, 64),
        log:    log,
        closed: make(chan struct{}),
    }
    for nid, addr := range peers {
        ua, err := net.ResolveUDPAddr("udp", addr)
        if err != nil {
            conn.Close()
            return nil, fmt.Errorf("transport: resolve peer %d %q: %w", nid, addr, err)
        }
        b.peers[nid] = ua
    }
    go b.readLoop()
    return b, nil
}

func (b *UDPBridge) NodeID() mail.NodeID { return b.id }

func (b *UDPBridge) Send(ctx context.Context, dest mail.NodeID, payload []byte, _ uint8) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    addr, ok := b.peers[dest]
    if !ok {
        return ErrNoRoute
    }
    buf := make([]byte, udpHeaderLen+len(payload))
    binary.LittleEndian.PutUint32(buf[:udpHeaderLen], uint32(b.id))
    copy(buf[udpHeaderLen:], payload)
    if deadline, ok := ctx.Deadline(); ok {
        _ = b.conn.SetWriteDeadline(deadline)
    }
    _, err := b.conn.WriteToUDP(buf, addr)
    return err
}

func (b *UDPBridge) Inbound() <-chan Packet { return b.in }

func (b *UDPBridge) Close() error {
    var err error
    b.closeOnce.Do(func() {
        close(b.closed)
        err = b.conn.Close()
    })
    return err
}

func (b *UDPBridge) readLoop() {
    defer close(b.in)
    buf := make([]byte, 64*1024)
    for {
        n, _, err := b.conn.ReadFromUDP(buf)
        if err != nil {
            select {
            case <-b.closed:
            default:
                b.log.Warn("udp bridge read failed", zap.Error(err))
            }
            return
        }
        if n < udpHeaderLen {
            continue
        }
        src := mail.NodeID(binary.LittleEndian.Uint32(buf[:udpHeaderLen]))
        p := Packet{
            Payload: append([]byte(nil), buf[udpHeaderLen:n]...),
            Source:  src,
        }
        select {
        case b.in <- p:
        default:
            b.log.Warn("inbound queue full, dropping packet", zap.Uint32("source", uint32(src)))
        }
    }
}
