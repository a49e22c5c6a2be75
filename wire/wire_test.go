package wire

import (
	"bytes"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedSource hands out the bytes of buf in fixed-size pieces, simulating
// a CONNECT split across several TCP reads.
type chunkedSource struct {
	buf    []byte
	chunk  int
	offset int
}

func (s *chunkedSource) Receive(maxBytes int) ([]byte, error) {
	if s.offset >= len(s.buf) {
		return nil, nil
	}
	n := s.chunk
	if n > maxBytes {
		n = maxBytes
	}
	if s.offset+n > len(s.buf) {
		n = len(s.buf) - s.offset
	}
	out := s.buf[s.offset : s.offset+n]
	s.offset += n
	return out, nil
}

func connectPacketBytes(t *testing.T) []byte {
	t.Helper()
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = 4
	pkt.CleanSession = true
	pkt.ClientIdentifier = "client-1"
	pkt.Keepalive = 30

	var buf bytes.Buffer
	require.NoError(t, pkt.Write(&buf))
	return buf.Bytes()
}

func TestReceiveMessageAcrossSplitReads(t *testing.T) {
	raw := connectPacketBytes(t)
	require.Greater(t, len(raw), 3, "test fixture needs a packet spanning multiple small reads")

	src := &chunkedSource{buf: raw, chunk: 3}
	f := NewFramer()

	pkt, err := f.ReceiveMessage(src)
	require.NoError(t, err)

	got, ok := pkt.(*packets.ConnectPacket)
	require.True(t, ok)
	assert.Equal(t, "client-1", got.ClientIdentifier)
	assert.Equal(t, "MQTT", got.ProtocolName)
	assert.Empty(t, f.leftover)
}

func TestReceiveMessageLeavesTrailingBytesAsLeftover(t *testing.T) {
	raw := connectPacketBytes(t)
	trailing := []byte{0x00, 0x01, 0x02}

	src := &chunkedSource{buf: append(append([]byte(nil), raw...), trailing...), chunk: len(raw) + len(trailing)}
	f := NewFramer()

	_, err := f.ReceiveMessage(src)
	require.NoError(t, err)

	assert.Equal(t, trailing, f.leftover)
}

func TestReceiveMessageReturnsExactlyOnePacketPerCall(t *testing.T) {
	one := connectPacketBytes(t)
	two := connectPacketBytes(t)
	combined := append(append([]byte(nil), one...), two...)

	src := &chunkedSource{buf: combined, chunk: len(combined)}
	f := NewFramer()

	first, err := f.ReceiveMessage(src)
	require.NoError(t, err)
	assert.IsType(t, &packets.ConnectPacket{}, first)
	assert.Equal(t, two, f.leftover)

	second, err := f.ReceiveMessage(&chunkedSource{})
	require.NoError(t, err)
	assert.IsType(t, &packets.ConnectPacket{}, second)
	assert.Empty(t, f.leftover)
}

func TestReceiveMessageReportsProtocolViolationOnGarbage(t *testing.T) {
	garbage := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	src := &chunkedSource{buf: garbage, chunk: len(garbage)}
	f := NewFramer()

	_, err := f.ReceiveMessage(src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestConsumeMessagesStopsWhenFnReportsDone(t *testing.T) {
	one := connectPacketBytes(t)
	two := connectPacketBytes(t)
	combined := append(append([]byte(nil), one...), two...)

	src := &chunkedSource{buf: combined, chunk: len(combined)}
	f := NewFramer()

	count := 0
	err := f.ConsumeMessages(src, func(Packet) (bool, error) {
		count++
		return count == 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, two, f.leftover)
}
