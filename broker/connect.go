package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/localrivet/gobroker/auth"
)

// RefusalReason is one of the four CONNACK refusal reasons spec §7 names
// for ConnectionRefused.
type RefusalReason byte

const (
	ReasonUnacceptableProtocolVersion RefusalReason = 0x01
	ReasonIdentifierRejected          RefusalReason = 0x02
	ReasonServerUnavailable           RefusalReason = 0x03
	ReasonUnauthorized                RefusalReason = 0x05
)

// ErrConnectionRefused is the sentinel spec §7 names for a rejected
// CONNECT; the wrapped ConnectionRefused carries the reason.
var ErrConnectionRefused = errors.New("broker: connection refused")

// ConnectionRefused is returned by HandleConnect when a CONNECT attempt is
// rejected, to be sent as a CONNACK with the matching return code before
// the connection is closed.
type ConnectionRefused struct {
	Reason RefusalReason
}

func (e *ConnectionRefused) Error() string {
	return fmt.Sprintf("broker: connection refused: reason=%#x", byte(e.Reason))
}

func (e *ConnectionRefused) Unwrap() error { return ErrConnectionRefused }

// supportedProtocolLevel is the MQTT 3.1.1 protocol level this broker
// core accepts; anything else is ReasonUnacceptableProtocolVersion.
const supportedProtocolLevel = 4

func acceptProtocol(name string, level byte) bool {
	if level != supportedProtocolLevel {
		return false
	}
	return name == "MQTT" || name == "MQIsdp"
}

// ConnectOutcome is the result of a successful HandleConnect: the
// authenticated identity and the freshly created session backing it.
type ConnectOutcome struct {
	Identity auth.Identity
	Session  *Session
}

// HandleConnect validates a CONNECT packet's protocol identification,
// authenticates it via authenticator, and on success creates a new
// session. This orchestration is assumed but never named as its own
// component by spec.md (which folds it into "session creation"); it adds
// no new trie or locking semantics beyond what CreateSession already
// does, it only decides whether CreateSession gets called at all.
func (b *Broker) HandleConnect(ctx context.Context, authenticator auth.Authenticator, pkt *packets.ConnectPacket) (ConnectOutcome, error) {
	if !acceptProtocol(pkt.ProtocolName, pkt.ProtocolVersion) {
		return ConnectOutcome{}, &ConnectionRefused{Reason: ReasonUnacceptableProtocolVersion}
	}
	if pkt.ClientIdentifier == "" && !pkt.CleanSession {
		return ConnectOutcome{}, &ConnectionRefused{Reason: ReasonIdentifierRejected}
	}

	var username, password string
	if pkt.UsernameFlag {
		username = pkt.Username
	}
	if pkt.PasswordFlag {
		password = string(pkt.Password)
	}

	identity, err := authenticator.Authenticate(ctx, pkt.ClientIdentifier, username, password)
	if err != nil {
		return ConnectOutcome{}, &ConnectionRefused{Reason: ReasonUnauthorized}
	}

	sess := b.CreateSession()
	return ConnectOutcome{Identity: identity, Session: sess}, nil
}
