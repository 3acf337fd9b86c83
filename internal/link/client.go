// ABOUTME: WebSocket link between an earbud and the relay
// ABOUTME: Handles connection, handshake, time sync and message routing
package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Sendspin/twsync/internal/protocol"
	clocksync "github.com/Sendspin/twsync/internal/sync"
	"github.com/Sendspin/twsync/pkg/aps"
)

var (
	// ErrNotConnected is returned when sending on a closed link.
	ErrNotConnected = errors.New("link not connected")
	// ErrRejected is returned when the relay refuses the hello.
	ErrRejected = errors.New("relay rejected peer")
)

// Path is the relay's websocket endpoint.
const Path = "/tws"

// Config holds link configuration
type Config struct {
	RelayAddr  string
	PeerID     string
	Name       string
	Side       string
	DeviceInfo protocol.DeviceInfo
	Codecs     []string

	// SyncInterval is the steady-state time sync period.
	SyncInterval time.Duration
	// DiffWindow is how many matched packets are averaged per phase report.
	DiffWindow int
	// HandshakeTimeout bounds the wait for relay/hello.
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Second
	}
	if c.DiffWindow <= 0 {
		c.DiffWindow = 25
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if len(c.Codecs) == 0 {
		c.Codecs = []string{"opus", "pcm"}
	}
}

// Client is the earbud side of the relay link. It implements
// aps.LinkService; events for the engine arrive on its channels.
type Client struct {
	config Config
	clock  *clocksync.ClockSync

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	relayID   string
	writeMu   sync.Mutex

	role      atomic.Int32
	policies  [2]atomic.Bool
	occupancy atomic.Uint32
	watermark atomic.Uint32

	phase *phaseTracker

	// Message channels
	Packets     chan protocol.AudioPacket
	Starts      chan protocol.StreamStart
	PeerLevels  chan aps.Level
	TimeDiffs   chan int32
	RestartDone chan protocol.StreamRestartDone
	timeResp    chan protocol.RelayTime

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a link client. clock may be shared with the audio path.
func NewClient(config Config, clock *clocksync.ClockSync) *Client {
	config.applyDefaults()
	if clock == nil {
		clock = clocksync.NewClockSync()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:      config,
		clock:       clock,
		phase:       newPhaseTracker(config.DiffWindow),
		Packets:     make(chan protocol.AudioPacket, 100),
		Starts:      make(chan protocol.StreamStart, 4),
		PeerLevels:  make(chan aps.Level, 16),
		TimeDiffs:   make(chan int32, 16),
		RestartDone: make(chan protocol.StreamRestartDone, 4),
		timeResp:    make(chan protocol.RelayTime, 10),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Clock returns the relay clock estimator.
func (c *Client) Clock() *clocksync.ClockSync {
	return c.clock
}

// Connect establishes the websocket and performs the handshake
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.RelayAddr, Path: Path}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}
	return nil
}

func (c *Client) handshake() error {
	hello := protocol.PeerHello{
		PeerID:     c.config.PeerID,
		Name:       c.config.Name,
		Version:    protocol.ProtocolVersion,
		Side:       c.config.Side,
		DeviceInfo: &c.config.DeviceInfo,
		Codecs:     c.config.Codecs,
	}
	if err := c.send(protocol.TypePeerHello, hello); err != nil {
		return fmt.Errorf("failed to send peer/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read relay/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	switch env.Type {
	case protocol.TypeRelayHello:
	case protocol.TypeRelayError:
		var rerr protocol.RelayError
		env.Into(&rerr)
		return fmt.Errorf("%w: %s", ErrRejected, rerr.Message)
	default:
		return fmt.Errorf("expected relay/hello, got %s", env.Type)
	}

	var rh protocol.RelayHello
	if err := env.Into(&rh); err != nil {
		return err
	}
	if err := c.applyRole(rh.Role); err != nil {
		return err
	}
	c.mu.Lock()
	c.relayID = rh.RelayID
	c.mu.Unlock()

	log.Printf("Handshake complete with relay %s, role=%s", rh.Name, c.Role())

	return c.SendStatus(protocol.PlayerUpdate{State: "idle"})
}

func (c *Client) applyRole(s string) error {
	r, err := aps.ParseRole(s)
	if err != nil {
		return err
	}
	if old := aps.Role(c.role.Swap(int32(r))); old != r {
		c.phase.reset()
	}
	return nil
}

// Run reads messages and keeps the clock in sync until ctx ends or the
// connection drops.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.Close()
		return c.readMessages()
	})
	g.Go(func() error {
		return c.clockSyncLoop(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		c.Close()
		return nil
	})
	return g.Wait()
}

// clockSyncLoop continuously syncs the relay clock. The first exchanges
// run quickly so the clock is usable before the stream starts.
func (c *Client) clockSyncLoop(ctx context.Context) error {
	const burst = 5
	for i := 0; ; i++ {
		interval := c.config.SyncInterval
		if i < burst {
			interval = 50 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		case <-time.After(interval):
		}

		t1 := c.clock.Now()
		if err := c.send(protocol.TypeClientTime, protocol.ClientTime{ClientTransmitted: t1}); err != nil {
			return fmt.Errorf("time sync: %w", err)
		}

		select {
		case resp := <-c.timeResp:
			t4 := c.clock.Now()
			c.clock.ProcessSyncResponse(resp.ClientTransmitted, resp.RelayReceived, resp.RelayTransmitted, t4)
		case <-time.After(2 * time.Second):
			log.Printf("Time sync timeout")
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Client) readMessages() error {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleBinaryMessage(data)
		case websocket.TextMessage:
			c.handleJSONMessage(data)
		}
	}
}

func (c *Client) handleBinaryMessage(data []byte) {
	pkt, err := protocol.DecodePacket(data)
	if err != nil {
		log.Printf("Invalid binary message: %v", err)
		return
	}
	select {
	case c.Packets <- pkt:
	case <-c.ctx.Done():
	}
}

func (c *Client) handleJSONMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("Failed to parse JSON message: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeRelayTime:
		var rt protocol.RelayTime
		if err := env.Into(&rt); err != nil {
			log.Printf("Bad message: %v", err)
			return
		}
		select {
		case c.timeResp <- rt:
		default:
		}

	case protocol.TypeStreamStart:
		var start protocol.StreamStart
		if err := env.Into(&start); err != nil {
			log.Printf("Bad message: %v", err)
			return
		}
		c.phase.reset()
		select {
		case c.Starts <- start:
		case <-c.ctx.Done():
		}

	case protocol.TypePeerLevel:
		var pl protocol.PeerLevel
		if err := env.Into(&pl); err != nil {
			log.Printf("Bad message: %v", err)
			return
		}
		if c.Role() != aps.RoleSlave || !c.policies[aps.PolicyRateAdjust].Load() {
			return
		}
		select {
		case c.PeerLevels <- aps.Level(pl.Level):
		case <-c.ctx.Done():
		}

	case protocol.TypePeerPacket:
		var pp protocol.PeerPacket
		if err := env.Into(&pp); err != nil {
			log.Printf("Bad message: %v", err)
			return
		}
		if pp.HasCount || c.Role() != aps.RoleSlave || !c.policies[aps.PolicyPhaseAlign].Load() {
			return
		}
		if mean, ok := c.phase.master(pp.Seq, pp.TimestampUs); ok {
			c.emitDiff(mean)
		}

	case protocol.TypeStreamRestartDone:
		var done protocol.StreamRestartDone
		env.Into(&done)
		select {
		case c.RestartDone <- done:
		case <-c.ctx.Done():
		}

	case protocol.TypeRelayHello:
		var rh protocol.RelayHello
		if err := env.Into(&rh); err != nil {
			log.Printf("Bad message: %v", err)
			return
		}
		if err := c.applyRole(rh.Role); err != nil {
			log.Printf("Bad role: %v", err)
			return
		}
		log.Printf("Role reassigned: %s", c.Role())

	case protocol.TypeRelayError:
		var rerr protocol.RelayError
		env.Into(&rerr)
		log.Printf("Relay error: %s: %s", rerr.Error, rerr.Message)

	default:
		log.Printf("Unknown message type: %s", env.Type)
	}
}

func (c *Client) emitDiff(mean int32) {
	select {
	case c.TimeDiffs <- mean:
	default:
		log.Printf("Phase report dropped: %dus", mean)
	}
}

// SendStatus sends a player/update message
func (c *Client) SendStatus(update protocol.PlayerUpdate) error {
	return c.send(protocol.TypePlayerUpdate, update)
}

func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	return conn.WriteJSON(protocol.Message{Type: msgType, Payload: payload})
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		log.Printf("Connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Done is closed when the link shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}
