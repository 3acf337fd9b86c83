// ABOUTME: Relay server the earbud pair connects to
// ABOUTME: Assigns roles, answers time sync, streams packets and forwards peer messages
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Sendspin/twsync/internal/discovery"
	"github.com/Sendspin/twsync/internal/protocol"
	"github.com/Sendspin/twsync/pkg/aps"
)

// Path is the websocket endpoint.
const Path = "/tws"

// Config holds relay configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	Debug      bool

	Stream StreamConfig

	// RestartHoldoff ignores further restart requests for this long.
	RestartHoldoff time.Duration
}

// Peer is a connected earbud
type Peer struct {
	ID   string
	Name string
	Side string
	Conn *websocket.Conn

	mu     sync.RWMutex
	role   aps.Role
	status protocol.PlayerUpdate

	// Output channel for messages
	sendChan chan interface{}
}

// Role returns the peer's current role.
func (p *Peer) Role() aps.Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

// Server is the relay
type Server struct {
	config  Config
	relayID string

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux

	// relay clock, microseconds since start
	clockStart time.Time
	now        func() int64

	mu           sync.RWMutex
	peers        map[string]*Peer
	order        []*Peer
	stream       *Stream
	lastRestart  int64
	restartCount int

	mdnsManager *discovery.Manager
	statusFn    func(Status)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a relay streaming from source.
func New(config Config, source AudioSource) (*Server, error) {
	if config.RestartHoldoff <= 0 {
		config.RestartHoldoff = 500 * time.Millisecond
	}
	stream, err := NewStream(source, config.Stream)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  config,
		relayID: uuid.New().String(),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Local network relay; earbuds send no Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clockStart: time.Now(),
		peers:      make(map[string]*Peer),
		stream:     stream,
		stopChan:   make(chan struct{}),
	}
	s.now = s.getClockMicros
	s.mux.HandleFunc(Path, s.handleWebSocket)
	return s, nil
}

// Handler exposes the websocket endpoint, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// OnStatus registers a callback receiving a snapshot after every change.
func (s *Server) OnStatus(fn func(Status)) {
	s.mu.Lock()
	s.statusFn = fn
	s.mu.Unlock()
}

// Start serves until Stop is called or ctx ends
func (s *Server) Start(ctx context.Context) error {
	log.Printf("Relay starting: %s (ID: %s)", s.config.Name, s.relayID)

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Path:        Path,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Pump(ctx)
	}()

	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Stop()
		s.wg.Wait()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Printf("WebSocket relay listening on %s", addr)

	s.httpServer = &http.Server{Handler: s.mux}
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-s.stopChan:
		log.Printf("Relay shutting down...")
	case <-ctx.Done():
		log.Printf("Relay shutting down...")
	case serverErr = <-errChan:
		log.Printf("HTTP server error: %v", serverErr)
	}
	s.Stop()

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	s.closePeers()
	s.wg.Wait()
	s.stream.Close()
	log.Printf("Relay stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the relay
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Pump generates packets every half packet duration until stopped.
func (s *Server) Pump(ctx context.Context) {
	ticker := time.NewTicker(s.stream.cfg.PacketDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pumpOnce()
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) pumpOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	packets, err := s.stream.Due(s.now())
	if err != nil {
		log.Printf("Stream error: %v", err)
	}
	for _, pkt := range packets {
		data := protocol.EncodePacket(pkt)
		for _, p := range s.order {
			if err := s.sendBinary(p, data); err != nil && s.config.Debug {
				log.Printf("[DEBUG] Dropping packet %d for %s: %v", pkt.Seq, p.Name, err)
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	log.Printf("New WebSocket connection from %s", r.RemoteAddr)
	s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	select {
	case <-s.stopChan:
		log.Printf("Rejecting connection during shutdown")
		return
	default:
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("Error reading hello: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypePeerHello {
		log.Printf("Expected peer/hello: %v", err)
		return
	}
	var hello protocol.PeerHello
	if err := env.Into(&hello); err != nil {
		log.Printf("Error parsing peer hello: %v", err)
		return
	}
	if hello.PeerID == "" {
		rejectPeer(conn, "missing_peer_id", "peer_id is required")
		return
	}
	if !supports(hello.Codecs, s.stream.format.Codec) {
		rejectPeer(conn, "unsupported_codec", fmt.Sprintf("relay streams %s", s.stream.format.Codec))
		return
	}

	peer := &Peer{
		ID:       hello.PeerID,
		Name:     hello.Name,
		Side:     hello.Side,
		Conn:     conn,
		sendChan: make(chan interface{}, 256),
	}

	if err := s.register(peer); err != nil {
		rejectPeer(conn, "duplicate_peer_id", err.Error())
		return
	}
	defer s.unregister(peer)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.peerWriter(peer)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.handlePeerMessage(peer, data)
	}
}

// register adds the peer, assigns its role and starts or joins the stream.
func (s *Server) register(peer *Peer) error {
	s.mu.Lock()
	if _, exists := s.peers[peer.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("peer %s already connected", peer.ID)
	}
	peer.role = s.assignRoleLocked()
	s.peers[peer.ID] = peer
	s.order = append(s.order, peer)

	s.sendMessage(peer, protocol.TypeRelayHello, protocol.RelayHello{
		RelayID: s.relayID,
		Name:    s.config.Name,
		Version: protocol.ProtocolVersion,
		Role:    peer.role.String(),
		PeerID:  peer.ID,
	})

	var start protocol.StreamStart
	if !s.stream.Running() {
		start = s.stream.Start(s.now())
		log.Printf("Stream %s started: first_seq=%d", start.StreamID, start.FirstSeq)
	} else {
		start = s.stream.Current()
	}
	s.sendMessage(peer, protocol.TypeStreamStart, start)
	s.mu.Unlock()

	log.Printf("Peer joined: %s (%s, role=%s)", peer.Name, peer.ID, peer.role)
	s.publishStatus()
	return nil
}

func (s *Server) assignRoleLocked() aps.Role {
	var master, slave bool
	for _, p := range s.order {
		switch p.role {
		case aps.RoleMaster:
			master = true
		case aps.RoleSlave:
			slave = true
		}
	}
	switch {
	case !master:
		return aps.RoleMaster
	case !slave:
		return aps.RoleSlave
	default:
		return aps.RoleNone
	}
}

func (s *Server) unregister(peer *Peer) {
	s.mu.Lock()
	delete(s.peers, peer.ID)
	for i, p := range s.order {
		if p == peer {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	close(peer.sendChan)

	if peer.role == aps.RoleMaster {
		s.promoteLocked()
	}
	if len(s.order) == 0 {
		s.stream.Stop()
		log.Printf("Last peer left, stream paused")
	}
	s.mu.Unlock()

	log.Printf("Peer disconnected: %s", peer.Name)
	s.publishStatus()
}

// promoteLocked hands the master role to the slave, or to the oldest
// unpaired peer.
func (s *Server) promoteLocked() {
	var next *Peer
	for _, p := range s.order {
		if p.role == aps.RoleSlave {
			next = p
			break
		}
	}
	if next == nil {
		for _, p := range s.order {
			if p.role == aps.RoleNone {
				next = p
				break
			}
		}
	}
	if next == nil {
		return
	}
	next.mu.Lock()
	next.role = aps.RoleMaster
	next.mu.Unlock()
	s.sendMessage(next, protocol.TypeRelayHello, protocol.RelayHello{
		RelayID: s.relayID,
		Name:    s.config.Name,
		Version: protocol.ProtocolVersion,
		Role:    aps.RoleMaster.String(),
		PeerID:  next.ID,
	})
	log.Printf("Promoted %s to master", next.Name)

	// Fill the vacated slave slot.
	for _, p := range s.order {
		if p.role == aps.RoleNone {
			p.mu.Lock()
			p.role = aps.RoleSlave
			p.mu.Unlock()
			s.sendMessage(p, protocol.TypeRelayHello, protocol.RelayHello{
				RelayID: s.relayID,
				Name:    s.config.Name,
				Version: protocol.ProtocolVersion,
				Role:    aps.RoleSlave.String(),
				PeerID:  p.ID,
			})
			break
		}
	}
}

func (s *Server) handlePeerMessage(peer *Peer, data []byte) {
	// Capture receive time as early as possible
	recv := s.now()

	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("Error parsing message from %s: %v", peer.Name, err)
		return
	}

	switch env.Type {
	case protocol.TypeClientTime:
		var ct protocol.ClientTime
		if err := env.Into(&ct); err != nil {
			log.Printf("Error parsing client time: %v", err)
			return
		}
		// t3 is the queue time, not the wire time.
		s.sendMessage(peer, protocol.TypeRelayTime, protocol.RelayTime{
			ClientTransmitted: ct.ClientTransmitted,
			RelayReceived:     recv,
			RelayTransmitted:  s.now(),
		})

	case protocol.TypePeerLevel, protocol.TypePeerPacket:
		if peer.Role() != aps.RoleMaster {
			return
		}
		s.forwardToSlave(env)

	case protocol.TypePeerRestart:
		var pr protocol.PeerRestart
		if err := env.Into(&pr); err != nil {
			log.Printf("Error parsing restart: %v", err)
			return
		}
		s.restart(peer, pr)

	case protocol.TypePlayerUpdate:
		var update protocol.PlayerUpdate
		if err := env.Into(&update); err != nil {
			log.Printf("Error parsing player update: %v", err)
			return
		}
		peer.mu.Lock()
		peer.status = update
		peer.mu.Unlock()
		if s.config.Debug {
			log.Printf("[DEBUG] %s: %s level=%d buffer=%dus restarts=%d",
				peer.Name, update.State, update.Level, update.BufferUs, update.Restarts)
		}
		s.publishStatus()

	default:
		log.Printf("Unknown message type: %s", env.Type)
	}
}

func (s *Server) forwardToSlave(env protocol.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.order {
		if p.Role() == aps.RoleSlave {
			s.sendMessage(p, env.Type, env.Payload)
		}
	}
}

// restart renegotiates the stream for every peer: a new stream/start with
// the restart flag, followed by stream/restart-done.
func (s *Server) restart(from *Peer, req protocol.PeerRestart) {
	s.mu.Lock()
	now := s.now()
	if s.restartCount > 0 && now-s.lastRestart < s.config.RestartHoldoff.Microseconds() {
		s.mu.Unlock()
		log.Printf("Ignoring restart from %s (hint=%d): already restarting", from.Name, req.Hint)
		return
	}
	s.lastRestart = now
	s.restartCount++

	start := s.stream.Start(now)
	start.Restart = true
	for _, p := range s.order {
		s.sendMessage(p, protocol.TypeStreamStart, start)
		s.sendMessage(p, protocol.TypeStreamRestartDone, protocol.StreamRestartDone{StreamID: start.StreamID})
	}
	s.mu.Unlock()

	log.Printf("Stream restarted by %s (hint=%d): first_seq=%d", from.Name, req.Hint, start.FirstSeq)
	s.publishStatus()
}

func (s *Server) peerWriter(peer *Peer) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const writeDeadline = 10 * time.Second

	for {
		select {
		case msg, ok := <-peer.sendChan:
			if !ok {
				return
			}
			peer.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			switch v := msg.(type) {
			case []byte:
				if err := peer.Conn.WriteMessage(websocket.BinaryMessage, v); err != nil {
					log.Printf("Error writing binary message: %v", err)
					return
				}
			default:
				data, err := json.Marshal(v)
				if err != nil {
					log.Printf("Error marshaling message: %v", err)
					continue
				}
				if err := peer.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Printf("Error writing text message: %v", err)
					return
				}
			}

		case <-ticker.C:
			if err := peer.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// sendMessage queues a JSON message. Callers hold s.mu, which keeps
// sendChan open.
func (s *Server) sendMessage(peer *Peer, msgType string, payload interface{}) {
	msg := protocol.Message{Type: msgType, Payload: payload}
	select {
	case peer.sendChan <- msg:
	default:
		log.Printf("Peer %s send buffer full, dropping %s", peer.Name, msgType)
	}
}

func (s *Server) sendBinary(peer *Peer, data []byte) error {
	select {
	case peer.sendChan <- data:
		return nil
	default:
		return fmt.Errorf("peer send buffer full")
	}
}

func (s *Server) closePeers() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.order {
		p.Conn.Close()
	}
}

// getClockMicros returns the relay clock in microseconds
func (s *Server) getClockMicros() int64 {
	return time.Since(s.clockStart).Microseconds()
}

func rejectPeer(conn *websocket.Conn, code, message string) {
	log.Printf("Rejecting peer: %s", message)
	conn.WriteJSON(protocol.Message{
		Type:    protocol.TypeRelayError,
		Payload: protocol.RelayError{Error: code, Message: message},
	})
}

func supports(codecs []string, codec string) bool {
	if len(codecs) == 0 {
		return codec == "pcm"
	}
	for _, c := range codecs {
		if c == codec {
			return true
		}
	}
	return false
}

// PeerStatus describes one connected earbud.
type PeerStatus struct {
	ID     string
	Name   string
	Side   string
	Role   aps.Role
	Update protocol.PlayerUpdate
}

// Status is a point-in-time view of the relay.
type Status struct {
	Name      string
	Port      int
	StreamID  string
	Streaming bool
	Format    string
	NextSeq   uint16
	Restarts  int
	Peers     []PeerStatus
}

// Status returns a snapshot for display.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := s.stream.Current()
	st := Status{
		Name:      s.config.Name,
		Port:      s.config.Port,
		StreamID:  cur.StreamID,
		Streaming: s.stream.Running(),
		Format:    fmt.Sprintf("%s %dHz/%dch", cur.Codec, cur.SampleRate, cur.Channels),
		NextSeq:   cur.FirstSeq,
		Restarts:  s.restartCount,
	}
	for _, p := range s.order {
		p.mu.RLock()
		st.Peers = append(st.Peers, PeerStatus{
			ID:     p.ID,
			Name:   p.Name,
			Side:   p.Side,
			Role:   p.role,
			Update: p.status,
		})
		p.mu.RUnlock()
	}
	return st
}

func (s *Server) publishStatus() {
	s.mu.RLock()
	fn := s.statusFn
	s.mu.RUnlock()
	if fn != nil {
		fn(s.Status())
	}
}
