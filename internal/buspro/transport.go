package buspro

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TransportConfig holds UDP transport configuration.
type TransportConfig struct {
	// Host is the configured gateway host; Port is the send target port.
	Host string
	Port int

	// BindPort is the local receive port. Zero means Port: Buspro gateways
	// normally talk both ways on the same port.
	BindPort int

	// MinSendInterval, when > 0, enforces a process-wide minimum spacing
	// between outgoing datagrams. Zero disables pacing.
	MinSendInterval time.Duration
}

// Transport owns the UDP socket. Sends go to the current target (initially
// the configured host); the target host may be redirected by ObserveSender
// when telegrams arrive from a different address, which keeps the bridge
// working across DHCP or NAT changes without reconfiguration.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	target *net.UDPAddr
	lastRX *net.UDPAddr

	// Send pacing state. Owned by the Transport instance, one lock, no
	// I/O inside the critical section.
	paceMu   sync.Mutex
	lastSend time.Time

	defaultGatewayIP string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTransport creates an unbound transport. Start binds the socket and
// begins the receive loop.
func NewTransport(cfg TransportConfig, logger *slog.Logger) *Transport {
	return &Transport{
		cfg:              cfg,
		logger:           logger,
		target:           &net.UDPAddr{IP: net.ParseIP(cfg.Host), Port: cfg.Port},
		defaultGatewayIP: readDefaultGateway("/proc/net/route"),
	}
}

// Start binds the UDP socket and runs the receive loop, invoking handler for
// every datagram. A bind failure is returned but leaves the transport in a
// queryable not-ready state; the caller decides whether that is fatal.
func (t *Transport) Start(handler func(data []byte, from *net.UDPAddr)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	if t.target.IP == nil {
		// Configured host is a name, not an address; resolve it once here.
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port)))
		if err != nil {
			return fmt.Errorf("resolve gateway host %q: %w", t.cfg.Host, err)
		}
		t.target = addr
	}

	bindPort := t.cfg.BindPort
	if bindPort == 0 {
		bindPort = t.cfg.Port
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: bindPort})
	if err != nil {
		return fmt.Errorf("bind udp :%d: %w", bindPort, err)
	}
	t.conn = conn
	t.done = make(chan struct{})

	t.wg.Add(1)
	go t.readLoop(conn, handler)
	t.logger.Info("transport started", "bind", conn.LocalAddr().String(), "target", t.target.String())
	return nil
}

// Stop closes the socket and waits for the receive loop to exit. Idempotent.
func (t *Transport) Stop() {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return
	}
	close(done)
	conn.Close()
	t.wg.Wait()
	t.logger.Info("transport stopped")
}

// Ready reports whether the socket is bound and usable.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Target returns the current send destination.
func (t *Transport) Target() (host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target.IP.String(), t.target.Port
}

// LastRX returns the address of the most recent sender, if any.
func (t *Transport) LastRX() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRX
}

// Send writes data to the current target, honoring the global pacing
// interval. Blocking for the pacing wait respects ctx.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if t.cfg.MinSendInterval > 0 {
		if err := t.pace(ctx); err != nil {
			return err
		}
	}

	t.mu.Lock()
	conn := t.conn
	target := t.target
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport not started")
	}

	if _, err := conn.WriteToUDP(data, target); err != nil {
		return fmt.Errorf("udp send to %s: %w", target, err)
	}
	return nil
}

// pace sleeps until MinSendInterval has elapsed since the previous send. The
// timestamp is claimed before sleeping so concurrent senders space out
// instead of all waking at once.
func (t *Transport) pace(ctx context.Context) error {
	t.paceMu.Lock()
	now := time.Now()
	next := t.lastSend.Add(t.cfg.MinSendInterval)
	if next.Before(now) {
		next = now
	}
	t.lastSend = next
	wait := next.Sub(now)
	t.paceMu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserveSender is called for every successfully decoded inbound telegram.
// If the sender host differs from the current target and is a plausible
// gateway address, the send target is redirected to it, keeping the
// configured port (gateways may reply from ephemeral source ports).
func (t *Transport) ObserveSender(from *net.UDPAddr) {
	if from == nil || from.IP == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRX = from

	ip := from.IP.To4()
	if ip == nil {
		return
	}
	host := ip.String()
	// In bridged container networks the source IP of NATed datagrams is the
	// container's default gateway; that is not the bus gateway, keep the
	// configured target.
	if t.defaultGatewayIP != "" && host == t.defaultGatewayIP {
		return
	}
	if t.target.IP.Equal(ip) {
		return
	}
	t.logger.Info("send target redirected", "old", t.target.IP.String(), "new", host, "port", t.cfg.Port)
	t.target = &net.UDPAddr{IP: ip, Port: t.cfg.Port}
}

// readLoop receives datagrams until the socket closes.
func (t *Transport) readLoop(conn *net.UDPConn, handler func([]byte, *net.UDPAddr)) {
	defer t.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if strings.Contains(err.Error(), "closed") {
				return
			}
			t.logger.Error("udp read error", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handler(data, from)
	}
}

// readDefaultGateway parses the kernel routing table for the default route's
// gateway IP. Best effort: returns "" when unavailable (non-Linux, tests).
func readDefaultGateway(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		gw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		return fmt.Sprintf("%d.%d.%d.%d", gw&0xFF, (gw>>8)&0xFF, (gw>>16)&0xFF, (gw>>24)&0xFF)
	}
	return ""
}
