package nexus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testUserID = "user-001"

// fastConfig shrinks every window so the timer paths run in milliseconds.
func fastConfig() *ConversationConfig {
	return &ConversationConfig{
		EchoTolerance:     time.Second,
		FallbackTolerance: 2 * time.Second,
		FallbackDelay:     40 * time.Millisecond,
	}
}

// stubSubmit is a controllable SubmitFunc.
type stubSubmit struct {
	mu      sync.Mutex
	calls   []string
	reply   *ChatReply
	err     error
	release chan struct{}
}

func (s *stubSubmit) fn(ctx context.Context, text string) (*ChatReply, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.reply != nil {
		return s.reply, nil
	}
	return &ChatReply{
		Sender:    SenderBot,
		Text:      "echo: " + text,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *stubSubmit) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func openConversation(t *testing.T, submit SubmitFunc) *Conversation {
	t.Helper()
	conv := NewConversation(testUserID, submit, fastConfig())
	conv.Open(nil)
	return conv
}

func botEvent(text, timestamp string) ChatEvent {
	return ChatEvent{
		TicketID:  "ticket-001",
		UserID:    testUserID,
		Sender:    SenderBot,
		Text:      text,
		Timestamp: timestamp,
	}
}

func countText(entries []Entry, text string) int {
	n := 0
	for _, e := range entries {
		if e.Text == text {
			n++
		}
	}
	return n
}

// ============================================================================
// View state machine
// ============================================================================

func TestConversationStates(t *testing.T) {
	t.Run("open shows greeting", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		if conv.State() != ConversationGreeting {
			t.Fatalf("expected greeting state, got %s", conv.State())
		}
		msgs := conv.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(msgs))
		}
		if msgs[0].Text != GreetingText || msgs[0].Sender != SenderBot {
			t.Fatalf("unexpected greeting entry: %+v", msgs[0])
		}
	})

	t.Run("open twice is a no-op", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		conv.Open(nil)
		if len(conv.Messages()) != 1 {
			t.Fatalf("expected 1 entry after double open, got %d", len(conv.Messages()))
		}
	})

	t.Run("open with nil topics uses built-in catalogue", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		topics := conv.Topics()
		if len(topics) == 0 {
			t.Fatal("expected built-in topics")
		}
		found := false
		for _, topic := range topics {
			if topic.ID == EscalationTopicID {
				found = true
			}
		}
		if !found {
			t.Fatal("expected escalation topic in built-in catalogue")
		}
	})

	t.Run("pick topic moves to guided", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		if err := conv.PickTopic(context.Background(), "connection"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conv.State() != ConversationGuided {
			t.Fatalf("expected guided state, got %s", conv.State())
		}
		if sub.callCount() != 1 {
			t.Fatalf("expected 1 submit, got %d", sub.callCount())
		}
	})

	t.Run("escalation topic moves to live", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		if err := conv.PickTopic(context.Background(), EscalationTopicID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conv.State() != ConversationLive {
			t.Fatalf("expected live state, got %s", conv.State())
		}
	})

	t.Run("unknown topic is an error", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		if err := conv.PickTopic(context.Background(), "no-such-topic"); err == nil {
			t.Fatal("expected error for unknown topic")
		}
	})

	t.Run("close resets to idle", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		conv.Close()
		if conv.State() != ConversationIdle {
			t.Fatalf("expected idle state, got %s", conv.State())
		}
		if len(conv.Messages()) != 0 {
			t.Fatal("expected entries cleared on close")
		}
	})

	t.Run("submit on idle conversation fails", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := NewConversation(testUserID, sub.fn, fastConfig())
		if err := conv.Submit(context.Background(), "hello"); err == nil {
			t.Fatal("expected error before open")
		}
	})
}

// ============================================================================
// Submit path
// ============================================================================

func TestConversationSubmit(t *testing.T) {
	t.Run("optimistic echo appended immediately", func(t *testing.T) {
		sub := &stubSubmit{release: make(chan struct{})}
		conv := openConversation(t, sub.fn)

		done := make(chan error, 1)
		go func() { done <- conv.Submit(context.Background(), "my device is down") }()

		deadline := time.After(time.Second)
		for countText(conv.Messages(), "my device is down") == 0 {
			select {
			case <-deadline:
				t.Fatal("optimistic entry never appeared")
			default:
				time.Sleep(time.Millisecond)
			}
		}
		msgs := conv.Messages()
		last := msgs[len(msgs)-1]
		if !last.Provisional || last.Sender != SenderUser {
			t.Fatalf("expected provisional user entry, got %+v", last)
		}

		close(sub.release)
		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("empty text is a no-op", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		if err := conv.Submit(context.Background(), ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sub.callCount() != 0 {
			t.Fatal("expected no submit call for empty text")
		}
	})

	t.Run("failure rolls back echo and appends error entry", func(t *testing.T) {
		sub := &stubSubmit{err: fmt.Errorf("boom")}
		conv := openConversation(t, sub.fn)
		if err := conv.Submit(context.Background(), "hello"); err == nil {
			t.Fatal("expected submit error")
		}
		msgs := conv.Messages()
		if countText(msgs, "hello") != 0 {
			t.Fatal("optimistic entry should be rolled back on failure")
		}
		last := msgs[len(msgs)-1]
		if last.Sender != SenderBot || last.Provisional {
			t.Fatalf("expected non-provisional bot error entry, got %+v", last)
		}
		if last.Text == "" {
			t.Fatal("expected error text")
		}
	})

	t.Run("submit resolving after close is dropped", func(t *testing.T) {
		sub := &stubSubmit{release: make(chan struct{})}
		conv := openConversation(t, sub.fn)

		done := make(chan error, 1)
		go func() { done <- conv.Submit(context.Background(), "late") }()

		deadline := time.After(time.Second)
		for sub.callCount() == 0 {
			select {
			case <-deadline:
				t.Fatal("submit never started")
			default:
				time.Sleep(time.Millisecond)
			}
		}
		conv.Close()
		close(sub.release)
		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(conv.Messages()) != 0 {
			t.Fatal("stale submit must not repopulate a closed conversation")
		}
	})
}

// ============================================================================
// Reconciliation: push vs fallback
// ============================================================================

func TestConversationReconciliation(t *testing.T) {
	t.Run("push replaces provisional echo in place", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		if err := conv.Submit(context.Background(), "hello"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		conv.HandlePush(ChatEvent{
			TicketID:  "ticket-001",
			Sender:    SenderUser,
			Text:      "hello",
			Timestamp: now,
		})

		msgs := conv.Messages()
		if countText(msgs, "hello") != 1 {
			t.Fatalf("expected exactly one hello entry, got %d", countText(msgs, "hello"))
		}
		var entry Entry
		for _, e := range msgs {
			if e.Text == "hello" {
				entry = e
			}
		}
		if entry.Provisional {
			t.Fatal("entry should have been promoted to authoritative")
		}
		if entry.ID != "ticket-001-"+now {
			t.Fatalf("expected adopted push identity, got %s", entry.ID)
		}
		// The promoted entry keeps its original list position, right after
		// the greeting.
		if msgs[1].Text != "hello" {
			t.Fatalf("expected hello at position 1, got %q", msgs[1].Text)
		}
	})

	t.Run("exact duplicate push discarded", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		ev := botEvent("reading looks high", "2026-09-01T10:00:00Z")
		conv.HandlePush(ev)
		conv.HandlePush(ev)
		if n := countText(conv.Messages(), "reading looks high"); n != 1 {
			t.Fatalf("expected 1 entry after duplicate push, got %d", n)
		}
	})

	t.Run("content duplicate within tolerance discarded", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		conv.HandlePush(botEvent("same text", "2026-09-01T10:00:00.000Z"))
		conv.HandlePush(botEvent("same text", "2026-09-01T10:00:00.500Z"))
		if n := countText(conv.Messages(), "same text"); n != 1 {
			t.Fatalf("expected 1 entry for near-simultaneous duplicates, got %d", n)
		}
	})

	t.Run("same content outside tolerance kept", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		conv.HandlePush(botEvent("same text", "2026-09-01T10:00:00Z"))
		conv.HandlePush(botEvent("same text", "2026-09-01T10:00:05Z"))
		if n := countText(conv.Messages(), "same text"); n != 2 {
			t.Fatalf("expected 2 entries for distinct messages, got %d", n)
		}
	})

	t.Run("unparseable timestamp dropped", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		conv.HandlePush(botEvent("bad", "not-a-timestamp"))
		if countText(conv.Messages(), "bad") != 0 {
			t.Fatal("event with unparseable timestamp must be dropped")
		}
	})

	t.Run("push to idle conversation ignored", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := NewConversation(testUserID, sub.fn, fastConfig())
		conv.HandlePush(botEvent("early", "2026-09-01T10:00:00Z"))
		if len(conv.Messages()) != 0 {
			t.Fatal("push before open must be ignored")
		}
	})

	t.Run("push supersedes fallback timer", func(t *testing.T) {
		reply := &ChatReply{
			Sender:    SenderBot,
			Text:      "try restarting it",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		sub := &stubSubmit{reply: reply}
		conv := openConversation(t, sub.fn)
		if err := conv.Submit(context.Background(), "device offline"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Authoritative push of the same reply lands before the timer.
		conv.HandlePush(ChatEvent{
			TicketID:  "ticket-001",
			Sender:    SenderBot,
			Text:      "try restarting it",
			Timestamp: reply.Timestamp,
		})

		// Wait well past the fallback delay, then check the timer did not
		// double-insert.
		time.Sleep(150 * time.Millisecond)
		if n := countText(conv.Messages(), "try restarting it"); n != 1 {
			t.Fatalf("expected 1 reply entry after push superseded fallback, got %d", n)
		}
	})

	t.Run("fallback inserts reply when no push arrives", func(t *testing.T) {
		reply := &ChatReply{
			Sender:    SenderBot,
			Text:      "check the breaker",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		sub := &stubSubmit{reply: reply}
		conv := openConversation(t, sub.fn)

		start := time.Now()
		if err := conv.Submit(context.Background(), "no power"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if countText(conv.Messages(), "check the breaker") != 0 {
			t.Fatal("reply must be held back until the fallback delay elapses")
		}

		deadline := time.After(time.Second)
		for countText(conv.Messages(), "check the breaker") == 0 {
			select {
			case <-deadline:
				t.Fatal("fallback never inserted the reply")
			default:
				time.Sleep(5 * time.Millisecond)
			}
		}
		if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
			t.Fatalf("fallback fired too early: %s", elapsed)
		}
	})

	t.Run("late push after fallback is deduplicated", func(t *testing.T) {
		ts := time.Now().UTC().Format(time.RFC3339Nano)
		reply := &ChatReply{Sender: SenderBot, Text: "contact support", Timestamp: ts}
		sub := &stubSubmit{reply: reply}
		conv := openConversation(t, sub.fn)
		if err := conv.Submit(context.Background(), "help"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		deadline := time.After(time.Second)
		for countText(conv.Messages(), "contact support") == 0 {
			select {
			case <-deadline:
				t.Fatal("fallback never fired")
			default:
				time.Sleep(5 * time.Millisecond)
			}
		}

		// The push of the same reply trickles in afterwards.
		conv.HandlePush(ChatEvent{
			TicketID:  "ticket-001",
			Sender:    SenderBot,
			Text:      "contact support",
			Timestamp: ts,
		})
		if n := countText(conv.Messages(), "contact support"); n != 1 {
			t.Fatalf("expected 1 entry after late push, got %d", n)
		}
	})

	t.Run("fallback cancelled by close", func(t *testing.T) {
		reply := &ChatReply{
			Sender:    SenderBot,
			Text:      "stale reply",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		sub := &stubSubmit{reply: reply}
		conv := openConversation(t, sub.fn)
		if err := conv.Submit(context.Background(), "question"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		conv.Close()
		time.Sleep(150 * time.Millisecond)
		if len(conv.Messages()) != 0 {
			t.Fatal("fallback must not insert into a closed conversation")
		}
	})

	t.Run("ordering preserved across mixed sources", func(t *testing.T) {
		sub := &stubSubmit{}
		conv := openConversation(t, sub.fn)
		conv.HandlePush(botEvent("first", "2026-09-01T10:00:00Z"))
		conv.HandlePush(botEvent("second", "2026-09-01T10:00:10Z"))
		conv.HandlePush(botEvent("third", "2026-09-01T10:00:20Z"))

		msgs := conv.Messages()
		want := []string{GreetingText, "first", "second", "third"}
		if len(msgs) != len(want) {
			t.Fatalf("expected %d entries, got %d", len(want), len(msgs))
		}
		for i, text := range want {
			if msgs[i].Text != text {
				t.Fatalf("position %d: expected %q, got %q", i, text, msgs[i].Text)
			}
		}
	})
}

// ============================================================================
// ParseTimestamp
// ============================================================================

func TestParseTimestamp(t *testing.T) {
	t.Run("nanosecond precision", func(t *testing.T) {
		ts, err := ParseTimestamp("2026-09-01T10:00:00.123456789Z")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ts.Nanosecond() != 123456789 {
			t.Fatalf("unexpected nanoseconds: %d", ts.Nanosecond())
		}
	})

	t.Run("second precision", func(t *testing.T) {
		if _, err := ParseTimestamp("2026-09-01T10:00:00Z"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("offset timezone", func(t *testing.T) {
		if _, err := ParseTimestamp("2026-09-01T12:00:00+02:00"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := ParseTimestamp("yesterday"); err == nil {
			t.Fatal("expected error")
		}
	})
}
