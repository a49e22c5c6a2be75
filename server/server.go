package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/localrivet/gobroker/auth"
	"github.com/localrivet/gobroker/broker"
	"github.com/localrivet/gobroker/retained"
	"github.com/localrivet/gobroker/transport"
	mqttlayer "github.com/localrivet/gobroker/transport/mqtt"
	"github.com/localrivet/gobroker/transport/socket"
	tlslayer "github.com/localrivet/gobroker/transport/tls"
	"github.com/localrivet/gobroker/transport/websocket"
	"github.com/localrivet/gobroker/trie"
	"github.com/localrivet/gobroker/wire"
)

// Server owns a Broker and serves it over every listener a Config
// describes. Building the transport stack per listener (socket, optionally
// TLS, optionally WebSocket, then MQTT framing) and running them
// concurrently is the one piece of wiring spec.md leaves to "an external
// driver" (spec §6); this is that driver.
type Server struct {
	Broker        *broker.Broker
	Authenticator auth.Authenticator

	// Retained, if set, is consulted on every fresh SUBSCRIBE to replay
	// matching retained messages to the subscribing session (spec §6's
	// "the broker publishes retained deliveries via the same dispatch
	// path"). Nil means no retained-message support.
	Retained retained.Store

	logger *slog.Logger
}

// New returns a Server backed by a fresh Broker and authenticator.
func New(authenticator auth.Authenticator) *Server {
	return &Server{
		Broker:        broker.New(),
		Authenticator: authenticator,
		logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// SetLogger overrides the default stderr text-handler logger.
func (s *Server) SetLogger(logger *slog.Logger) { s.logger = logger }

// Run builds and serves every listener in cfg concurrently, blocking until
// ctx is cancelled or any listener fails. On the first failure, every other
// listener's Serve is stopped by cancelling a derived context, mirroring
// the teacher library's errgroup-based fan-out for concurrent server
// loops. A failing listener does not retry; restart policy is left to the
// caller, same as the teacher's pattern of returning the first error and
// letting the caller decide whether to relaunch Run.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, lc := range cfg.Listeners {
		lc := lc
		group.Go(func() error {
			return s.serveListener(gctx, lc)
		})
	}

	return group.Wait()
}

// RunUntilSignal is Run plus the process-lifecycle idiom the teacher
// library uses for its own server commands (a ProcessMonitor watching for
// SIGINT/SIGTERM and triggering a graceful shutdown): on either signal, it
// gives in-flight connection handlers cfg.ShutdownGrace to return on their
// own before cancelling the serve context out from under them.
func (s *Server) RunUntilSignal(cfg Config) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(runCtx, cfg) }()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
		s.logger.Info("shutdown signal received", "grace", cfg.ShutdownGrace)
	}

	if cfg.ShutdownGrace > 0 {
		timer := time.NewTimer(cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case err := <-errCh:
			return err
		case <-timer.C:
		}
	}

	cancelRun()
	return <-errCh
}

// serveListener builds the transport stack lc describes and serves it
// until gctx is cancelled.
func (s *Server) serveListener(gctx context.Context, lc ListenerConfig) error {
	sock, err := socket.Listen(socket.Config{BindAddress: lc.BindAddress})
	if err != nil {
		return fmt.Errorf("server: listener %q: %w", lc.Name, err)
	}
	sock.SetLogger(s.logger)

	framed := s.composeMQTT(lc, sock)

	s.logger.Info("listener starting", "name", lc.Name, "bind_address", lc.BindAddress, "tls", lc.TLS != nil, "websocket", lc.WebSocket)
	err = framed.Serve(gctx, func(ctx context.Context, conn *mqttlayer.Conn) error {
		return s.serveConnection(ctx, conn)
	})
	if err != nil && gctx.Err() != nil {
		// Shutdown-triggered listener close; not a real failure.
		return nil
	}
	return err
}

// composeMQTT wraps sock with TLS and/or WebSocket per lc, then MQTT
// framing, returning the innermost-to-outermost stack described by spec
// §4.C: Socket -> TLS -> WebSocket -> MQTT.
func (s *Server) composeMQTT(lc ListenerConfig, sock *socket.Listener) *mqttlayer.Listener {
	var inner transport.Listener = sock

	if lc.TLS != nil {
		tl := tlslayer.New(tlslayer.Config{Inner: inner, ServerParams: lc.TLS})
		tl.SetLogger(s.logger)
		inner = tl
	}
	if lc.WebSocket {
		wl := websocket.New(websocket.Config{Inner: inner})
		wl.SetLogger(s.logger)
		inner = wl
	}

	return mqttlayer.New(mqttlayer.Config{Inner: inner})
}

// serveConnection drives one MQTT-framed connection end to end: CONNECT
// handling, then an indefinite CONNACK/SUBSCRIBE/UNSUBSCRIBE/PUBLISH loop
// feeding the broker, until the peer disconnects or the connection errors.
func (s *Server) serveConnection(ctx context.Context, conn *mqttlayer.Conn) error {
	first, err := conn.ReceiveMessage()
	if err != nil {
		return err
	}
	connectPkt, ok := first.(*packets.ConnectPacket)
	if !ok {
		return fmt.Errorf("server: first packet was not CONNECT: %T", first)
	}

	outcome, err := s.Broker.HandleConnect(ctx, s.Authenticator, connectPkt)
	if err != nil {
		ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		var refused *broker.ConnectionRefused
		if errors.As(err, &refused) {
			ack.ReturnCode = byte(refused.Reason)
		} else {
			ack.ReturnCode = byte(broker.ReasonServerUnavailable)
		}
		_ = conn.Send(ack)
		return err
	}
	defer s.Broker.CloseSession(outcome.Session)

	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = 0
	if err := conn.Send(ack); err != nil {
		return fmt.Errorf("server: send CONNACK: %w", err)
	}

	s.logger.Info("session connected", "client_id", outcome.Identity.ClientID, "session_key", outcome.Session.Key())

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	go s.dispatchQueuedMessages(dispatchCtx, conn, outcome.Session)
	go s.watchFatal(dispatchCtx, conn, outcome.Session)

	return conn.ConsumeMessages(func(pkt wire.Packet) (bool, error) {
		return s.dispatchPacket(ctx, conn, outcome.Session, pkt)
	})
}

// watchFatal closes conn the moment session reports a QoS1/QoS2 queue
// overflow, unblocking the connection's blocking read in ConsumeMessages
// so serveConnection returns and CloseSession runs (spec §7: overflow on
// those queues tears down the session's connection).
func (s *Server) watchFatal(ctx context.Context, conn *mqttlayer.Conn, session *broker.Session) {
	select {
	case <-session.Fatal():
		s.logger.Warn("session queue overflow: closing connection", "session_key", session.Key())
		_ = conn.Close()
	case <-ctx.Done():
	}
}

// dispatchQueuedMessages drains a session's QoS queues onto its own
// connection, the external driver spec §3/§4.E defers to the broker's
// caller: it wakes on session.Notify() and writes every queued PUBLISH it
// finds until ctx is cancelled (the connection's serve loop returning).
// The sender side of the QoS1/QoS2 acknowledgement handshake (retransmit on
// a missing PUBACK/PUBREC/PUBCOMP) is not implemented; each queued message
// is written at most once, and the acknowledgements a compliant client
// sends back are read and discarded by dispatchPacket's PUBACK/PUBREC/
// PUBREL/PUBCOMP case rather than retried against.
func (s *Server) dispatchQueuedMessages(ctx context.Context, conn *mqttlayer.Conn, session *broker.Session) {
	for {
		drained := s.drainOnce(conn, session)
		if ctx.Err() != nil {
			return
		}
		if drained {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-session.Notify():
		}
	}
}

// drainOnce writes every currently queued message (QoS0, then QoS1, then
// QoS2) to conn and reports whether it found anything to send.
func (s *Server) drainOnce(conn *mqttlayer.Conn, session *broker.Session) bool {
	sent := false
	for _, qos := range []byte{0, 1, 2} {
		for {
			msg, ok := dequeueByQos(session, qos)
			if !ok {
				break
			}
			sent = true
			if err := conn.Send(publishPacket(msg, qos)); err != nil {
				s.logger.Warn("dispatch: write publish failed", "session_key", session.Key(), "error", err)
				return sent
			}
		}
	}
	return sent
}

func dequeueByQos(session *broker.Session, qos byte) (broker.Message, bool) {
	switch qos {
	case 0:
		return session.DequeueQos0()
	case 1:
		return session.DequeueQos1()
	default:
		return session.DequeueQos2()
	}
}

func publishPacket(msg broker.Message, qos byte) *packets.PublishPacket {
	pkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pkt.TopicName = msg.Topic.String()
	pkt.Payload = msg.Payload
	pkt.Qos = qos
	return pkt
}

// dispatchPacket applies one post-CONNECT packet to session/broker state.
// It reports done=true only on DISCONNECT, ending the connection's serve
// loop without treating the disconnect as an error.
func (s *Server) dispatchPacket(ctx context.Context, conn *mqttlayer.Conn, session *broker.Session, pkt wire.Packet) (bool, error) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		tp, err := wire.PublishTopic(p)
		if err != nil {
			return false, err
		}
		s.Broker.PublishBroker(tp, p.Payload)
		return false, nil

	case *packets.SubscribePacket:
		filters, qoss, err := wire.SubscribeFilters(p)
		if err != nil {
			return false, err
		}
		pairs := make([]broker.SubscribePair, len(filters))
		for i, f := range filters {
			pairs[i] = broker.SubscribePair{Filter: f, QoS: trie.QoS(qoss[i])}
		}
		session.Subscribe(pairs)

		if s.Retained != nil {
			for _, f := range filters {
				if err := broker.PublishRetained(ctx, s.Retained, session, f); err != nil {
					s.logger.Warn("retained replay failed", "session_key", session.Key(), "filter", f.String(), "error", err)
				}
			}
		}

		suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		suback.MessageID = p.MessageID
		suback.ReturnCodes = qoss
		return false, conn.Send(suback)

	case *packets.UnsubscribePacket:
		filters, err := wire.UnsubscribeFilters(p)
		if err != nil {
			return false, err
		}
		session.Unsubscribe(filters)

		unsuback := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
		unsuback.MessageID = p.MessageID
		return false, conn.Send(unsuback)

	case *packets.PingreqPacket:
		return false, conn.Send(packets.NewControlPacket(packets.Pingresp).(*packets.PingrespPacket))

	case *packets.PubackPacket, *packets.PubrecPacket, *packets.PubrelPacket, *packets.PubcompPacket:
		// The QoS1/QoS2 acknowledgement a compliant client sends back for
		// a PUBLISH this broker delivered to it. There is no
		// retransmission state to reconcile against (dispatchQueuedMessages
		// sends each queued message once), so these are read and dropped
		// rather than retried or forwarded.
		return false, nil

	case *packets.DisconnectPacket:
		return true, nil

	default:
		return false, fmt.Errorf("server: unexpected packet type %T after CONNECT", pkt)
	}
}
