// ABOUTME: Tests for the relay server
// ABOUTME: Drives the websocket endpoint with real peers and a fake relay clock
package relay

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sendspin/twsync/internal/protocol"
	"github.com/Sendspin/twsync/pkg/aps"
)

type testRelay struct {
	server *Server
	http   *httptest.Server
	clock  atomic.Int64
}

func newTestRelay(t *testing.T) *testRelay {
	s, err := New(Config{Name: "Test Relay"}, NewToneSource(440, 48000, 2))
	require.NoError(t, err)

	r := &testRelay{server: s}
	s.now = r.clock.Load
	r.http = httptest.NewServer(s.Handler())
	t.Cleanup(r.http.Close)
	return r
}

func (r *testRelay) dial(t *testing.T, id string, codecs ...string) *websocket.Conn {
	if len(codecs) == 0 {
		codecs = []string{"opus", "pcm"}
	}
	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	send(t, conn, protocol.TypePeerHello, protocol.PeerHello{
		PeerID:  id,
		Name:    id,
		Version: protocol.ProtocolVersion,
		Codecs:  codecs,
	})
	return conn
}

// join dials and consumes relay/hello and stream/start.
func (r *testRelay) join(t *testing.T, id string) (*websocket.Conn, protocol.RelayHello, protocol.StreamStart) {
	conn := r.dial(t, id)
	var hello protocol.RelayHello
	require.NoError(t, expect(t, conn, protocol.TypeRelayHello).Into(&hello))
	var start protocol.StreamStart
	require.NoError(t, expect(t, conn, protocol.TypeStreamStart).Into(&start))
	return conn, hello, start
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	require.NoError(t, conn.WriteJSON(protocol.Message{Type: msgType, Payload: payload}))
}

// expect reads text messages, skipping audio, until one arrives.
func expect(t *testing.T, conn *websocket.Conn, msgType string) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if kind != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		require.Equal(t, msgType, env.Type)
		return env
	}
}

func TestRoleAssignment(t *testing.T) {
	r := newTestRelay(t)

	_, h1, s1 := r.join(t, "left")
	assert.Equal(t, "master", h1.Role)
	assert.Equal(t, "left", h1.PeerID)
	assert.NotEmpty(t, s1.StreamID)
	assert.Equal(t, "pcm", s1.Codec)
	assert.Equal(t, int64(300000), s1.PlayAt)

	_, h2, s2 := r.join(t, "right")
	assert.Equal(t, "slave", h2.Role)
	assert.Equal(t, s1.StreamID, s2.StreamID, "late joiner gets the running stream")

	_, h3, _ := r.join(t, "spare")
	assert.Equal(t, "none", h3.Role)

	st := r.server.Status()
	assert.True(t, st.Streaming)
	require.Len(t, st.Peers, 3)
	assert.Equal(t, aps.RoleMaster, st.Peers[0].Role)
	assert.Equal(t, aps.RoleSlave, st.Peers[1].Role)
}

func TestMasterPromotion(t *testing.T) {
	r := newTestRelay(t)

	master, _, _ := r.join(t, "left")
	slave, _, _ := r.join(t, "right")
	spare, _, _ := r.join(t, "spare")

	master.Close()

	var hello protocol.RelayHello
	require.NoError(t, expect(t, slave, protocol.TypeRelayHello).Into(&hello))
	assert.Equal(t, "master", hello.Role)

	require.NoError(t, expect(t, spare, protocol.TypeRelayHello).Into(&hello))
	assert.Equal(t, "slave", hello.Role)
}

func TestRejectsUnsupportedCodec(t *testing.T) {
	r := newTestRelay(t)

	conn := r.dial(t, "left", "opus")
	var rerr protocol.RelayError
	require.NoError(t, expect(t, conn, protocol.TypeRelayError).Into(&rerr))
	assert.Equal(t, "unsupported_codec", rerr.Error)
}

func TestRejectsDuplicatePeerID(t *testing.T) {
	r := newTestRelay(t)

	r.join(t, "left")
	conn := r.dial(t, "left")
	var rerr protocol.RelayError
	require.NoError(t, expect(t, conn, protocol.TypeRelayError).Into(&rerr))
	assert.Equal(t, "duplicate_peer_id", rerr.Error)
}

func TestTimeReply(t *testing.T) {
	r := newTestRelay(t)
	conn, _, _ := r.join(t, "left")

	r.clock.Store(777)
	send(t, conn, protocol.TypeClientTime, protocol.ClientTime{ClientTransmitted: 12345})

	var rt protocol.RelayTime
	require.NoError(t, expect(t, conn, protocol.TypeRelayTime).Into(&rt))
	assert.Equal(t, int64(12345), rt.ClientTransmitted)
	assert.Equal(t, int64(777), rt.RelayReceived)
	assert.Equal(t, int64(777), rt.RelayTransmitted)
}

func TestForwardsMasterMessagesToSlave(t *testing.T) {
	r := newTestRelay(t)
	master, _, _ := r.join(t, "left")
	slave, _, _ := r.join(t, "right")

	send(t, master, protocol.TypePeerLevel, protocol.PeerLevel{Level: 5})
	var pl protocol.PeerLevel
	require.NoError(t, expect(t, slave, protocol.TypePeerLevel).Into(&pl))
	assert.Equal(t, uint8(5), pl.Level)

	send(t, master, protocol.TypePeerPacket, protocol.PeerPacket{Seq: 9, TimestampUs: 4242})
	var pp protocol.PeerPacket
	require.NoError(t, expect(t, slave, protocol.TypePeerPacket).Into(&pp))
	assert.Equal(t, uint16(9), pp.Seq)
	assert.Equal(t, uint64(4242), pp.TimestampUs)
}

func TestPumpBroadcastsPackets(t *testing.T) {
	r := newTestRelay(t)
	conn, _, start := r.join(t, "left")

	r.clock.Store(100000)
	r.server.pumpOnce()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)

	pkt, err := protocol.DecodePacket(data)
	require.NoError(t, err)
	assert.Equal(t, start.FirstSeq, pkt.Seq)
	assert.Equal(t, start.PlayAt, pkt.PlayAt)
	assert.Len(t, pkt.Payload, 960*2*2)
}

func TestRestartFlow(t *testing.T) {
	r := newTestRelay(t)
	master, _, first := r.join(t, "left")
	slave, _, _ := r.join(t, "right")

	r.clock.Store(100000)
	r.server.pumpOnce()

	r.clock.Store(150000)
	send(t, slave, protocol.TypePeerRestart, protocol.PeerRestart{Hint: 3, Reason: "underrun"})

	for _, conn := range []*websocket.Conn{master, slave} {
		var start protocol.StreamStart
		require.NoError(t, expect(t, conn, protocol.TypeStreamStart).Into(&start))
		assert.True(t, start.Restart)
		assert.NotEqual(t, first.StreamID, start.StreamID)
		assert.Equal(t, uint16(1), start.FirstSeq)
		assert.Equal(t, int64(450000), start.PlayAt)

		var done protocol.StreamRestartDone
		require.NoError(t, expect(t, conn, protocol.TypeStreamRestartDone).Into(&done))
		assert.Equal(t, start.StreamID, done.StreamID)
	}

	// A second request inside the holdoff is coalesced.
	send(t, master, protocol.TypePeerRestart, protocol.PeerRestart{Hint: 3})
	send(t, master, protocol.TypeClientTime, protocol.ClientTime{ClientTransmitted: 1})
	expect(t, master, protocol.TypeRelayTime)
	assert.Equal(t, 1, r.server.Status().Restarts)
}

func TestStreamPausesWhenEmpty(t *testing.T) {
	r := newTestRelay(t)
	conn, _, _ := r.join(t, "left")
	assert.True(t, r.server.Status().Streaming)

	conn.Close()
	assert.Eventually(t, func() bool {
		return !r.server.Status().Streaming
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlayerUpdateReachesStatus(t *testing.T) {
	r := newTestRelay(t)
	conn, _, _ := r.join(t, "left")

	var seen atomic.Int32
	r.server.OnStatus(func(st Status) {
		if len(st.Peers) == 1 && st.Peers[0].Update.State == "playing" {
			seen.Store(int32(st.Peers[0].Update.Level))
		}
	})

	send(t, conn, protocol.TypePlayerUpdate, protocol.PlayerUpdate{State: "playing", Level: 5, BufferUs: 20000})
	assert.Eventually(t, func() bool { return seen.Load() == 5 }, 2*time.Second, 10*time.Millisecond)
}
