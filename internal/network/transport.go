package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"

	"dkls-node/internal/logger"
	"dkls-node/internal/metrics"
	"dkls-node/internal/party"
	"dkls-node/internal/transport"
)

// CoordinationMessageType defines the type of a coordination message.
type CoordinationMessageType string

const (
	// Announce carries a signed setup descriptor from the coordinator.
	Announce CoordinationMessageType = "Announce"
	// Ack tells the coordinator a participant accepted the setup and is
	// ready to receive protocol messages.
	Ack CoordinationMessageType = "Ack"
	// Reject tells the coordinator a participant refused the setup.
	Reject CoordinationMessageType = "Reject"
	// Start tells every participant to begin the protocol run.
	Start CoordinationMessageType = "Start"
)

// Wire message kinds.
const (
	KindProtocol     = "Protocol"
	KindCoordination = "Coordination"
)

// CoordinationMessage is a generic container for non-protocol messages.
type CoordinationMessage struct {
	Type      CoordinationMessageType `json:"type"`
	SessionID string                  `json:"sessionId"`
	From      string                  `json:"from"` // node name
	Payload   json.RawMessage         `json:"payload,omitempty"`
	Signature []byte                  `json:"signature"` // ed25519 by the sending node
}

// AnnouncePayload is the payload of an Announce message.
type AnnouncePayload struct {
	Setup  []byte `json:"setup"`            // sealed setup descriptor
	KeyID  string `json:"keyId,omitempty"`  // sign only
	Digest []byte `json:"digest,omitempty"` // sign only
}

// RejectPayload is the payload of a Reject message.
type RejectPayload struct {
	Reason string `json:"reason"`
}

// ProtocolMessage carries one protocol envelope between the parties of a run.
type ProtocolMessage struct {
	SessionID string `json:"sessionId"`
	From      int    `json:"from"` // position in the run
	Data      []byte `json:"data"`
}

// WireMessage is a wrapper for any message sent over the wire.
type WireMessage struct {
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
}

// Transport sends messages to named nodes.
type Transport interface {
	SendProtocolMessage(ctx context.Context, to string, msg *ProtocolMessage) error
	SendCoordinationMessage(ctx context.Context, to string, msg *CoordinationMessage) error
}

// TCPTransport implements Transport with one short-lived TCP connection
// per message. Dials are retried with exponential backoff.
type TCPTransport struct {
	addrs       map[string]string // node name to address like "localhost:7001"
	dialTimeout time.Duration
	retries     uint64
	backoff     time.Duration
}

// NewTCPTransport creates a new TCPTransport.
func NewTCPTransport(addrs map[string]string) *TCPTransport {
	return &TCPTransport{
		addrs:       addrs,
		dialTimeout: 2 * time.Second,
		retries:     5,
		backoff:     50 * time.Millisecond,
	}
}

// SendProtocolMessage delivers a protocol envelope to node to.
func (t *TCPTransport) SendProtocolMessage(ctx context.Context, to string, msg *ProtocolMessage) error {
	return t.send(ctx, to, KindProtocol, msg)
}

// SendCoordinationMessage delivers a coordination message to node to.
func (t *TCPTransport) SendCoordinationMessage(ctx context.Context, to string, msg *CoordinationMessage) error {
	logger.Log.Debugf("[TCPTransport] Sending coordination message type %s for session %s to %s", msg.Type, msg.SessionID, to)
	return t.send(ctx, to, KindCoordination, msg)
}

func (t *TCPTransport) send(ctx context.Context, to, kind string, payload interface{}) error {
	addr, ok := t.addrs[to]
	if !ok {
		return fmt.Errorf("no address found for node %s", to)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", kind, err)
	}
	if err := t.sendJSON(ctx, addr, &WireMessage{MessageType: kind, Payload: body}); err != nil {
		return fmt.Errorf("failed to send %s message to %s (%s): %w", kind, to, addr, err)
	}
	metrics.WireMessage("out", kind)
	return nil
}

func (t *TCPTransport) sendJSON(ctx context.Context, addr string, wireMsg *WireMessage) error {
	var conn net.Conn
	dialer := &net.Dialer{Timeout: t.dialTimeout}
	backoff := retry.WithMaxRetries(t.retries, retry.NewExponential(t.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Log.Debugf("[TCPTransport] dial %s: %v", addr, err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(wireMsg); err != nil {
		return fmt.Errorf("failed to encode and send message to %s: %w", addr, err)
	}
	return nil
}

// broadcastCoordination sends msg to every named node and aggregates the
// failures.
func broadcastCoordination(ctx context.Context, t Transport, names []string, msg *CoordinationMessage) error {
	var result *multierror.Error
	for _, name := range names {
		if err := t.SendCoordinationMessage(ctx, name, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SessionTransport adapts the node relay to one protocol run. Positions in
// the run map to node names through names.
type SessionTransport struct {
	sessionID string
	self      int
	names     []string
	out       Transport
	in        <-chan party.Inbound
}

// NewSessionTransport binds a run's inbox and its party names.
func NewSessionTransport(sessionID string, self int, names []string, out Transport, in <-chan party.Inbound) *SessionTransport {
	return &SessionTransport{sessionID: sessionID, self: self, names: names, out: out, in: in}
}

var _ transport.Transport = (*SessionTransport)(nil)

// Send implements transport.Transport.
func (s *SessionTransport) Send(ctx context.Context, to int, msg []byte) error {
	if to == transport.Broadcast {
		var result *multierror.Error
		for i := range s.names {
			if i == s.self {
				continue
			}
			if err := s.Send(ctx, i, msg); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}
	if to < 0 || to >= len(s.names) || to == s.self {
		return fmt.Errorf("invalid destination %d", to)
	}
	return s.out.SendProtocolMessage(ctx, s.names[to], &ProtocolMessage{SessionID: s.sessionID, From: s.self, Data: msg})
}

// Receive implements transport.Transport.
func (s *SessionTransport) Receive(ctx context.Context) (int, []byte, error) {
	select {
	case m := <-s.in:
		return m.From, m.Data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}
