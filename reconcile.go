package nexus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Conversation entries
// ============================================================================

// Entry is one reconciled line of a conversation. A provisional entry is a
// locally inserted placeholder awaiting its authoritative counterpart.
type Entry struct {
	ID          string
	Sender      Sender
	Text        string
	Timestamp   time.Time
	Provisional bool
}

// Greeting shown as the synthetic first entry of every opened conversation.
const GreetingText = "Hello! I'm the NEXUS Support Bot. How can I help you with your devices today?"

const submitFailedText = "Failed to send message. Please try again later."

// EscalationTopicID is the guided-menu entry that hands the conversation to
// a human operator and switches the view to live mode.
const EscalationTopicID = "other"

// ============================================================================
// View state machine
// ============================================================================

// ConversationState is the view state of one conversation.
type ConversationState string

const (
	// ConversationIdle: not opened.
	ConversationIdle ConversationState = "idle"
	// ConversationGreeting: opened, synthetic welcome shown, no activity yet.
	ConversationGreeting ConversationState = "greeting"
	// ConversationGuided: topic menu active, picks submit canned queries.
	ConversationGuided ConversationState = "guided"
	// ConversationLive: free-text duplex chat. One-way: the only way back to
	// the menu is closing and reopening, which resets the view.
	ConversationLive ConversationState = "live"
)

// ============================================================================
// Configuration
// ============================================================================

// SubmitFunc is the HTTP fallback collaborator: it submits a message and
// returns the synchronous reply. Client.Chat().SendMessage satisfies it.
type SubmitFunc func(ctx context.Context, text string) (*ChatReply, error)

// ConversationConfig tunes the reconciliation engine. The zero value yields
// the platform defaults.
type ConversationConfig struct {
	// EchoTolerance is the timestamp window for matching a pushed event
	// against its optimistic local echo.
	EchoTolerance time.Duration
	// FallbackTolerance is the wider window for pairing the HTTP fallback
	// reply against a push of the same content.
	FallbackTolerance time.Duration
	// FallbackDelay is how long the fallback reply is held back waiting for
	// the authoritative push before being inserted.
	FallbackDelay time.Duration
	Logger        *logrus.Logger
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (c *ConversationConfig) defaults() {
	if c.EchoTolerance == 0 {
		c.EchoTolerance = time.Second
	}
	if c.FallbackTolerance == 0 {
		c.FallbackTolerance = 2 * time.Second
	}
	if c.FallbackDelay == 0 {
		c.FallbackDelay = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ============================================================================
// Pending submission
// ============================================================================

// One submission is in flight at a time: the UI disables the send affordance
// until the submit resolves. The explicit state machine removes the race
// between the fallback timer and the push handler: the timer inserts only in
// the awaiting state, and a push moves the submission out of it first.
type pendingState int

const (
	pendingAwaitingEcho pendingState = iota
	pendingResolved
	pendingSuperseded
)

type pendingSubmit struct {
	state pendingState
	reply *ChatReply
	timer *time.Timer
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation merges three message sources (the optimistic local echo, the
// HTTP fallback reply, and the authoritative push) into one ordered,
// deduplicated sequence. Safe for use from socket, timer, and caller
// goroutines.
type Conversation struct {
	userID string
	submit SubmitFunc
	config ConversationConfig
	log    *logrus.Entry

	mu      sync.Mutex
	state   ConversationState
	entries []Entry
	topics  []SupportTopic
	pending *pendingSubmit
	gen     int
}

// NewConversation creates a conversation view for a user. submit is the HTTP
// fallback path; it must not be nil.
func NewConversation(userID string, submit SubmitFunc, config *ConversationConfig) *Conversation {
	var cfg ConversationConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Conversation{
		userID: userID,
		submit: submit,
		config: cfg,
		log:    cfg.Logger.WithField("conversation", userID),
		state:  ConversationIdle,
	}
}

// Open transitions Idle → Greeting and shows the synthetic welcome entry.
// topics may be nil, in which case the built-in catalogue is used. Opening
// an already-open conversation is a no-op.
func (c *Conversation) Open(topics []SupportTopic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConversationIdle {
		return
	}
	if len(topics) == 0 {
		topics = FallbackTopics()
	}
	c.topics = topics
	c.state = ConversationGreeting
	c.entries = append(c.entries, Entry{
		ID:        "greeting-" + uuid.NewString(),
		Sender:    SenderBot,
		Text:      GreetingText,
		Timestamp: c.config.Clock(),
	})
}

// Close resets the view to Idle: entries are cleared and the pending
// fallback timer is cancelled. The server-side ticket is untouched. A
// submit or push resolving after Close is dropped.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked()
	c.state = ConversationIdle
	c.entries = nil
	c.topics = nil
	c.gen++
}

// State returns the current view state.
func (c *Conversation) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Topics returns the guided-menu catalogue for the open conversation.
func (c *Conversation) Topics() []SupportTopic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SupportTopic(nil), c.topics...)
}

// Messages returns a snapshot of the reconciled entry list in display order.
func (c *Conversation) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Attach subscribes the conversation to its user chat topic on a channel.
// Release the returned handle when the view goes away.
func (c *Conversation) Attach(ch *Channel) *Subscription {
	return ch.SubscribeUserChat(c.userID, c.HandlePush)
}

// ============================================================================
// Guided menu
// ============================================================================

// PickTopic submits the canned query for a guided-menu entry. Picking the
// escalation entry switches the view to Live; there is no way back short of
// closing the conversation.
func (c *Conversation) PickTopic(ctx context.Context, topicID string) error {
	c.mu.Lock()
	if c.state == ConversationIdle {
		c.mu.Unlock()
		return fmt.Errorf("conversation not open")
	}
	if c.state == ConversationGreeting {
		c.state = ConversationGuided
	}
	var topic *SupportTopic
	for i := range c.topics {
		if c.topics[i].ID == topicID {
			topic = &c.topics[i]
			break
		}
	}
	if topic == nil {
		c.mu.Unlock()
		return fmt.Errorf("unknown topic %q", topicID)
	}
	if topic.ID == EscalationTopicID {
		c.state = ConversationLive
	}
	label := topic.Label
	c.mu.Unlock()

	return c.Submit(ctx, label)
}

// ============================================================================
// Submit path
// ============================================================================

// Submit sends a message. The optimistic echo is appended synchronously;
// the HTTP reply is then held back behind the fallback timer so that the
// authoritative push wins whenever it arrives in time. On submit failure the
// optimistic entry is rolled back and an inline error entry is appended,
// the only case where an entry is deleted rather than replaced.
func (c *Conversation) Submit(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	c.mu.Lock()
	if c.state == ConversationIdle {
		c.mu.Unlock()
		return fmt.Errorf("conversation not open")
	}
	gen := c.gen
	tempID := "temp-" + uuid.NewString()
	c.entries = append(c.entries, Entry{
		ID:          tempID,
		Sender:      SenderUser,
		Text:        text,
		Timestamp:   c.config.Clock(),
		Provisional: true,
	})
	c.mu.Unlock()

	reply, err := c.submit(ctx, text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// The view moved on while the request was in flight.
		return nil
	}
	if err != nil {
		c.removeLocked(tempID)
		c.entries = append(c.entries, Entry{
			ID:        "error-" + uuid.NewString(),
			Sender:    SenderBot,
			Text:      submitFailedText,
			Timestamp: c.config.Clock(),
		})
		return fmt.Errorf("submit failed: %w", err)
	}
	c.armFallbackLocked(reply)
	return nil
}

// armFallbackLocked holds the HTTP reply behind a timer. If a matching push
// arrives first the submission is superseded and the timer never inserts.
func (c *Conversation) armFallbackLocked(reply *ChatReply) {
	c.cancelPendingLocked()
	p := &pendingSubmit{state: pendingAwaitingEcho, reply: reply}
	gen := c.gen
	p.timer = time.AfterFunc(c.config.FallbackDelay, func() {
		c.fallbackFire(p, gen)
	})
	c.pending = p
}

func (c *Conversation) fallbackFire(p *pendingSubmit, gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.pending != p || p.state != pendingAwaitingEcho {
		return
	}
	p.state = pendingResolved
	c.pending = nil

	ts, err := ParseTimestamp(p.reply.Timestamp)
	if err != nil {
		ts = c.config.Clock()
	}
	c.applyLocked(Entry{
		ID:        c.userID + "-" + p.reply.Timestamp,
		Sender:    p.reply.Sender,
		Text:      p.reply.Text,
		Timestamp: ts,
	}, c.config.FallbackTolerance, false)
}

func (c *Conversation) cancelPendingLocked() {
	if c.pending == nil {
		return
	}
	if c.pending.timer != nil {
		c.pending.timer.Stop()
	}
	c.pending.state = pendingSuperseded
	c.pending = nil
}

// ============================================================================
// Push path
// ============================================================================

// HandlePush merges an authoritative pushed event into the conversation.
// Exact duplicates and content duplicates are discarded; a matching
// provisional echo is replaced in place.
func (c *Conversation) HandlePush(ev ChatEvent) {
	ts, err := ParseTimestamp(ev.Timestamp)
	if err != nil {
		c.log.WithError(err).Warn("dropping push with unparseable timestamp")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConversationIdle {
		return
	}
	conversationID := ev.TicketID
	if conversationID == "" {
		conversationID = c.userID
	}
	c.applyLocked(Entry{
		ID:        conversationID + "-" + ev.Timestamp,
		Sender:    ev.Sender,
		Text:      ev.Text,
		Timestamp: ts,
	}, c.config.EchoTolerance, true)
}

// ============================================================================
// Reconciliation core
// ============================================================================

// applyLocked runs the candidate algorithm: discard exact duplicates,
// replace a matching provisional entry in place, discard content duplicates,
// otherwise append. A non-provisional append coming from the push source
// supersedes the outstanding fallback timer.
//
// The content match (sender, text, timestamp within tolerance) is a
// heuristic: two genuinely distinct, rapid, identical messages from the same
// sender collapse into one. Known approximation, kept for server parity.
func (c *Conversation) applyLocked(cand Entry, tolerance time.Duration, fromPush bool) {
	for i := range c.entries {
		if c.entries[i].ID == cand.ID {
			// Exact duplicate delivery, e.g. a push arriving twice.
			return
		}
	}

	for i := range c.entries {
		e := &c.entries[i]
		if e.Sender != cand.Sender || e.Text != cand.Text {
			continue
		}
		if absDuration(e.Timestamp.Sub(cand.Timestamp)) >= tolerance {
			continue
		}
		if e.Provisional && !cand.Provisional {
			// Authoritative counterpart found: adopt its identity and
			// timestamp but keep the original list position.
			c.entries[i] = cand
		} else {
			c.log.WithField("text", cand.Text).Debug("duplicate candidate discarded")
		}
		return
	}

	c.entries = append(c.entries, cand)
	if fromPush && !cand.Provisional {
		// The push beat the fallback; the timer must not double-insert.
		c.supersedeLocked()
	}
}

func (c *Conversation) supersedeLocked() {
	if c.pending != nil && c.pending.state == pendingAwaitingEcho {
		c.cancelPendingLocked()
	}
}

func (c *Conversation) removeLocked(id string) {
	for i := range c.entries {
		if c.entries[i].ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

// ParseTimestamp parses an ISO-8601 payload timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
