package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// Relay operation errors surfaced to the transport layer, which translates
// them into error events for the client.
var (
	ErrNotSetUp        = errors.New("relay: connection has not completed setup")
	ErrNoParticipant   = errors.New("relay: empty participant id")
	ErrNoConversation  = errors.New("relay: empty conversation id")
	ErrNotAMember      = errors.New("relay: participant is not a member of the conversation")
	ErrMembershipCheck = errors.New("relay: membership check failed")
)

// MembershipChecker answers whether a participant belongs to a conversation.
// The production implementation queries the chat membership table. When the
// relay is constructed without a checker, "join room" trusts the caller to
// have validated membership upstream, matching the original contract.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, participantID string) (bool, error)
}

// Config holds relay tuning parameters.
type Config struct {
	// TypingTimeout is how long after the last typing signal the relay
	// broadcasts a synthetic stop on the client's behalf.
	TypingTimeout time.Duration

	// Checker, when non-nil, is consulted before honouring "join room".
	Checker MembershipChecker
}

// DefaultConfig returns the default relay configuration: a 3 second typing
// auto-stop and no membership enforcement.
func DefaultConfig() Config {
	return Config{TypingTimeout: 3 * time.Second}
}

// seenTTL bounds how long fanned-out message ids are remembered. A message
// can reach the relay twice, once over the sender's socket and once over the
// NATS bridge from the API server; remembering recent ids keeps the combined
// path at-most-once.
const seenTTL = time.Minute

// Relay routes inbound events to recipient connections. It owns the session
// registry and room index exclusively; the transport layer feeds it events
// and it writes to connections through the Conn interface.
type Relay struct {
	registry *Registry
	rooms    *Rooms
	config   Config
	typing   *typingTimers

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// New creates a Relay with fresh indices.
func New(config Config) *Relay {
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = DefaultConfig().TypingTimeout
	}
	return &Relay{
		registry: NewRegistry(),
		rooms:    NewRooms(),
		config:   config,
		typing:   newTypingTimers(),
		seen:     make(map[string]time.Time),
	}
}

// Registry exposes the session registry for presence reporting.
func (r *Relay) Registry() *Registry { return r.registry }

// HandleSetup binds a connection to a participant identity: the connection
// is registered, joins its own identity room for private delivery, and
// receives the connected acknowledgement. Only the originating connection
// gets the ack.
func (r *Relay) HandleSetup(conn Conn, participantID string) error {
	if participantID == "" {
		return ErrNoParticipant
	}

	// Rebinding to a different participant must not leave the connection in
	// the old identity room, or it would keep receiving the old identity's
	// private deliveries.
	if prev, ok := r.registry.ParticipantOf(conn); ok && prev != participantID {
		r.rooms.Leave(ParticipantRoom(prev), conn)
	}

	r.registry.Register(participantID, conn)
	r.rooms.Join(ParticipantRoom(participantID), conn)
	metrics.RoomsOccupied.Set(float64(r.rooms.RoomCount()))

	data, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{})
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		log.Printf("relay: connected ack failed conn=%s: %v", conn.ID(), err)
	}
	return nil
}

// HandleJoinRoom subscribes the connection to a conversation room for live
// broadcast. With a MembershipChecker configured, joins by non-members are
// rejected; otherwise membership validation is delegated to the caller.
func (r *Relay) HandleJoinRoom(ctx context.Context, conn Conn, conversationID string) error {
	participantID, ok := r.registry.ParticipantOf(conn)
	if !ok {
		return ErrNotSetUp
	}
	if conversationID == "" {
		return ErrNoConversation
	}

	if r.config.Checker != nil {
		member, err := r.config.Checker.IsMember(ctx, conversationID, participantID)
		if err != nil {
			log.Printf("relay: membership check conversation=%s participant=%s: %v",
				conversationID, participantID, err)
			return ErrMembershipCheck
		}
		if !member {
			return ErrNotAMember
		}
	}

	r.rooms.Join(ConversationRoom(conversationID), conn)
	metrics.RoomsOccupied.Set(float64(r.rooms.RoomCount()))
	return nil
}

// HandleTyping broadcasts a typing indicator to the conversation room,
// excluding the originating connection. A start signal arms the per
// connection auto-stop timer; each subsequent start resets it, and an
// explicit stop cancels it. Fire-and-forget: there is no acknowledgement.
func (r *Relay) HandleTyping(conn Conn, conversationID string, isTyping bool) {
	participantID, ok := r.registry.ParticipantOf(conn)
	if !ok {
		log.Printf("relay: typing from unbound conn=%s, dropping", conn.ID())
		metrics.DroppedEventsTotal.Inc()
		return
	}
	if conversationID == "" {
		metrics.DroppedEventsTotal.Inc()
		return
	}

	r.broadcastTyping(conn, participantID, conversationID, isTyping)

	key := typingKey{conn: conn, conversation: conversationID}
	if isTyping {
		r.typing.reset(key, r.config.TypingTimeout, func() {
			r.broadcastTyping(conn, participantID, conversationID, false)
		})
	} else {
		r.typing.cancel(key)
	}
}

func (r *Relay) broadcastTyping(origin Conn, participantID, conversationID string, isTyping bool) {
	msgType := protocol.TypeStopTyping
	if isTyping {
		msgType = protocol.TypeTyping
	}

	data, err := protocol.NewServerMessage(msgType, protocol.ServerTypingMsg{
		ChatID: conversationID,
		From:   participantID,
	})
	if err != nil {
		log.Printf("relay: build typing message: %v", err)
		return
	}

	for _, member := range r.rooms.MembersOf(ConversationRoom(conversationID)) {
		if member == origin {
			continue
		}
		if err := member.Send(data); err != nil {
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues("typing").Inc()
	}
}

// HandleNewMessage fans out an already-persisted message received over the
// sender's socket. The exclusion rule lives in FanOutMessage; the originating
// connection is skipped because it is bound to the sender identity.
func (r *Relay) HandleNewMessage(conn Conn, event protocol.MessageEvent) int {
	return r.FanOutMessage(event)
}

// FanOutMessage delivers a message event to every live connection of every
// chat participant except connections bound to the sender. It is shared by
// the socket path and the NATS bridge; events carrying an id are delivered
// at most once across both. Returns the number of recipient connections
// the event was dispatched to.
func (r *Relay) FanOutMessage(event protocol.MessageEvent) int {
	if len(event.Chat.Participants) == 0 {
		log.Printf("relay: message %q for chat %q has no participant list, dropping",
			event.ID, event.Chat.ID)
		metrics.DroppedEventsTotal.Inc()
		return 0
	}
	if event.ID != "" && !r.markSeen(event.ID) {
		return 0
	}

	start := time.Now()

	data, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message: event,
	})
	if err != nil {
		log.Printf("relay: build message payload: %v", err)
		return 0
	}

	delivered := make(map[Conn]struct{})
	for _, participantID := range event.Chat.Participants {
		if participantID == event.Sender {
			continue
		}
		for _, conn := range r.registry.ConnectionsFor(participantID) {
			if _, dup := delivered[conn]; dup {
				continue
			}
			delivered[conn] = struct{}{}
			if err := conn.Send(data); err != nil {
				// Best effort: a dead connection is the heartbeat's problem.
				continue
			}
			metrics.DeliveriesTotal.WithLabelValues("message").Inc()
		}
	}

	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	return len(delivered)
}

// HandleDisconnect tears down all relay state for a connection: typing
// timers, every room membership, and the registry entry. After it returns
// no index holds a reference to the connection.
func (r *Relay) HandleDisconnect(conn Conn) {
	r.typing.cancelConn(conn)
	r.rooms.LeaveAll(conn)
	r.registry.Unregister(conn)
	metrics.RoomsOccupied.Set(float64(r.rooms.RoomCount()))
}

// markSeen records a message id, returning false if it was already recorded
// within the seen window.
func (r *Relay) markSeen(id string) bool {
	now := time.Now()

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	for k, t := range r.seen {
		if now.Sub(t) > seenTTL {
			delete(r.seen, k)
		}
	}
	if _, dup := r.seen[id]; dup {
		return false
	}
	r.seen[id] = now
	return true
}
