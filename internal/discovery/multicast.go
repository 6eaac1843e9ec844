package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"memsync/internal/models"
)

// beacon is the datagram devices broadcast on the LAN multicast group.
type beacon struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	Port        int    `json:"port"`
}

const beaconTTL = 90 * time.Second

// Announcer periodically broadcasts this device's identity and listen port
// on the multicast group.
type Announcer struct {
	group    string
	deviceID string
	fpr      string
	port     int
	interval time.Duration
	log      *slog.Logger
}

func NewAnnouncer(group, deviceID, fingerprint string, port int, interval time.Duration, log *slog.Logger) *Announcer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Announcer{group: group, deviceID: deviceID, fpr: fingerprint, port: port, interval: interval, log: log}
}

// Run broadcasts until ctx is cancelled. Send failures are logged and
// retried on the next tick; LAN discovery is best-effort by design.
func (a *Announcer) Run(ctx context.Context) {
	gaddr, err := net.ResolveUDPAddr("udp4", a.group)
	if err != nil {
		a.log.Warn("multicast announce disabled", "group", a.group, "err", err)
		return
	}
	payload, _ := json.Marshal(beacon{DeviceID: a.deviceID, Fingerprint: a.fpr, Port: a.port})

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		conn, err := net.DialUDP("udp4", nil, gaddr)
		if err == nil {
			if _, err := conn.Write(payload); err != nil {
				a.log.Debug("multicast announce failed", "err", err)
			}
			_ = conn.Close()
		} else {
			a.log.Debug("multicast dial failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Browser listens on the multicast group and caches fresh sightings by
// device id. It doubles as the LAN resolver at the front of the chain.
type Browser struct {
	conn *net.UDPConn
	log  *slog.Logger

	mu   sync.Mutex
	seen map[string]sighting
}

type sighting struct {
	addr string
	at   time.Time
}

// NewBrowser joins the multicast group. Failure to join (no multicast route,
// restricted network) returns an error; the caller degrades to a chain
// without LAN discovery.
func NewBrowser(group string, log *slog.Logger) (*Browser, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %s: %w", group, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", group, err)
	}
	return &Browser{conn: conn, log: log, seen: make(map[string]sighting)}, nil
}

func (b *Browser) Name() string { return "lan" }

// Run consumes beacons until ctx is cancelled.
func (b *Browser) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = b.conn.Close()
	}()
	buf := make([]byte, 2048)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Debug("multicast read failed", "err", err)
			return
		}
		var bcn beacon
		if err := json.Unmarshal(buf[:n], &bcn); err != nil || bcn.DeviceID == "" || bcn.Port <= 0 {
			continue
		}
		addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(bcn.Port))
		b.mu.Lock()
		b.seen[bcn.DeviceID] = sighting{addr: addr, at: time.Now()}
		b.mu.Unlock()
	}
}

// Resolve returns the peer's freshly seen LAN address, if any.
func (b *Browser) Resolve(_ context.Context, peer *models.Peer) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.seen[peer.DeviceID]
	if !ok || time.Since(s.at) > beaconTTL {
		return nil
	}
	return []string{s.addr}
}
