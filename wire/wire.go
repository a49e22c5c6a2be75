// Package wire implements the MQTT control packet codec and the
// incremental framing (leftover-buffer) contract described by the broker
// core: parse exactly one packet out of a byte stream, asking for more
// bytes rather than failing when the buffer is short.
//
// The packet types themselves are not reimplemented here: they are the
// ones exported by github.com/eclipse/paho.mqtt.golang/packets, the same
// codec the teacher library links for its own MQTT transport, and the one
// used broker-side by other MQTT broker implementations built on top of
// the Eclipse Paho client (e.g. a topic-tree retained-message provider
// storing *packets.PublishPacket values directly).
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Packet is a parsed MQTT control packet.
type Packet = packets.ControlPacket

// ErrProtocolViolation is returned by the framer when the byte stream does
// not contain a well-formed MQTT packet. The wrapped error carries the
// description.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// ProtocolViolation wraps a decode failure with a human-readable
// description, per spec §7.
type ProtocolViolation struct {
	Description string
	Err         error
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("wire: protocol violation: %s", e.Description)
}

func (e *ProtocolViolation) Unwrap() error { return ErrProtocolViolation }

// ByteSource is the minimal read side a Framer needs from the layer below
// it: a single chunk fetch of at most maxBytes. The MQTT transport layer
// adapts a transport.Conn's Read to this interface.
type ByteSource interface {
	Receive(maxBytes int) ([]byte, error)
}

// readChunk is the amount of additional data requested from the inner
// transport each time the current buffer is insufficient to parse a
// packet.
const readChunk = 4096

// Framer owns the leftover buffer for one MQTT connection. It is not
// safe for concurrent use; the broker core serializes receive calls on a
// connection per spec §5 ("leftover buffer as an exclusive cell").
type Framer struct {
	leftover []byte
}

// NewFramer returns a Framer with an empty leftover buffer.
func NewFramer() *Framer {
	return &Framer{}
}

// ReceiveMessage runs the incremental parser over the leftover buffer,
// fetching more bytes from src as needed, and returns exactly one packet.
// Any bytes beyond the parsed packet are retained as the new leftover.
func (f *Framer) ReceiveMessage(src ByteSource) (Packet, error) {
	for {
		pkt, consumed, err := tryParse(f.leftover)
		if err == nil {
			f.leftover = append([]byte(nil), f.leftover[consumed:]...)
			return pkt, nil
		}
		if !needMoreBytes(err) {
			return nil, &ProtocolViolation{Description: err.Error(), Err: err}
		}

		chunk, rerr := src.Receive(readChunk)
		if rerr != nil {
			return nil, rerr
		}
		if len(chunk) == 0 {
			return nil, &ProtocolViolation{Description: "connection closed mid-packet", Err: io.ErrUnexpectedEOF}
		}
		f.leftover = append(f.leftover, chunk...)
	}
}

// ConsumeMessages repeatedly parses packets from src and invokes fn for
// each, stopping when fn reports done. The leftover buffer is preserved
// across calls so a caller may later resume with ReceiveMessage.
func (f *Framer) ConsumeMessages(src ByteSource, fn func(Packet) (done bool, err error)) error {
	for {
		pkt, err := f.ReceiveMessage(src)
		if err != nil {
			return err
		}
		done, err := fn(pkt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// tryParse attempts to decode exactly one packet from buf. On success it
// reports how many leading bytes of buf the packet consumed. On failure,
// the caller distinguishes "need more bytes" (needMoreBytes) from a
// genuine protocol violation.
func tryParse(buf []byte) (Packet, int, error) {
	r := bytes.NewReader(buf)
	pkt, err := packets.ReadPacket(r)
	if err != nil {
		return nil, 0, err
	}
	consumed := len(buf) - r.Len()
	return pkt, consumed, nil
}

func needMoreBytes(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
