package authgate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// gateSink blocks inside Emit until released, so tests can hold the
// dispatcher goroutine mid-delivery. It records event types as they arrive.
type gateSink struct {
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	seen []string
}

func newGateSink() *gateSink {
	return &gateSink{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *gateSink) Emit(_ context.Context, event AuditEvent) {
	s.mu.Lock()
	s.seen = append(s.seen, event.EventType)
	s.mu.Unlock()
	s.started <- struct{}{}
	<-s.release
}

func (s *gateSink) seenTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(16)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 8}, sink)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d.Emit(ctx, AuditEvent{EventType: fmt.Sprintf("event_%d", i)})
	}
	d.Close()

	delivered := 0
	for {
		select {
		case <-sink.Events():
			delivered++
			continue
		default:
		}
		break
	}
	if delivered != 5 {
		t.Fatalf("expected 5 delivered events, got %d", delivered)
	}
	if d.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", d.Dropped())
	}
}

func TestDispatcherDropIfFull(t *testing.T) {
	sink := newGateSink()
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	ctx := context.Background()

	// First event is in the sink's hands; wait for it so the buffer state
	// is deterministic.
	d.Emit(ctx, AuditEvent{EventType: "first"})
	<-sink.started

	// Second fills the buffer, third has nowhere to go.
	d.Emit(ctx, AuditEvent{EventType: "second"})
	d.Emit(ctx, AuditEvent{EventType: "third"})

	if d.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", d.Dropped())
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherBlockingEmitHonorsContext(t *testing.T) {
	sink := newGateSink()
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1}, sink)

	ctx := context.Background()
	d.Emit(ctx, AuditEvent{EventType: "first"})
	<-sink.started
	d.Emit(ctx, AuditEvent{EventType: "second"})

	// Buffer is full and the sink is held; a bounded context must unblock
	// the caller.
	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Emit(cancelCtx, AuditEvent{EventType: "third"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit did not respect context cancellation")
	}
	if d.Dropped() != 1 {
		t.Fatalf("expected the abandoned event to count as dropped, got %d", d.Dropped())
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherNeverShedsSecurityEvents(t *testing.T) {
	sink := newGateSink()
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	ctx := context.Background()
	d.Emit(ctx, AuditEvent{EventType: "first"})
	<-sink.started
	d.Emit(ctx, AuditEvent{EventType: "second"})

	// The queue is full and the sink is held. A reuse detection must wait
	// for space instead of vanishing the way ordinary events do.
	done := make(chan struct{})
	go func() {
		d.Emit(ctx, AuditEvent{EventType: auditEventRefreshReuse})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("critical event should block while the queue is full, not complete")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("critical event never queued after space freed up")
	}
	d.Close()

	if d.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", d.Dropped())
	}
	want := []string{"first", "second", auditEventRefreshReuse}
	got := sink.seenTypes()
	if len(got) != len(want) {
		t.Fatalf("expected %d delivered events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order mismatch: expected %v, got %v", want, got)
		}
	}
}

func TestDispatcherDisabled(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, NewChannelSink(1))
	if d != nil {
		t.Fatal("expected nil dispatcher when audit is disabled")
	}

	// The nil dispatcher must be safe everywhere the engine touches it.
	d.Emit(context.Background(), AuditEvent{EventType: "ignored"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("expected zero drops from nil dispatcher")
	}
}

func TestDispatcherNilSinkDefaultsToNoOp(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, nil)
	d.Emit(context.Background(), AuditEvent{EventType: "discarded"})
	d.Close()
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := NewChannelSink(4)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, sink)
	d.Close()

	d.Emit(context.Background(), AuditEvent{EventType: "late"})

	select {
	case ev := <-sink.Events():
		t.Fatalf("expected no delivery after close, got %q", ev.EventType)
	default:
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		EventType: "login_failure",
		UserID:    "alice",
		Error:     "invalid_credentials",
		Metadata:  map[string]string{"reason": "password_mismatch"},
	})
	sink.Emit(context.Background(), AuditEvent{
		EventType: "login_success",
		UserID:    "alice",
		Success:   true,
	})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first AuditEvent
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if first.EventType != "login_failure" || first.Error != "invalid_credentials" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if first.Metadata["reason"] != "password_mismatch" {
		t.Fatalf("unexpected metadata: %v", first.Metadata)
	}

	// Empty error and metadata are omitted from the wire form.
	if bytes.Contains(lines[1], []byte(`"error"`)) || bytes.Contains(lines[1], []byte(`"metadata"`)) {
		t.Fatalf("expected omitted empty fields, got %s", lines[1])
	}
}

func TestAuditErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want AuditErrorCode
	}{
		{nil, ""},
		{ErrInvalidCredentials, auditErrInvalidCredentials},
		{ErrRefreshReuse, auditErrRefreshReuse},
		{fmt.Errorf("%w: %w", ErrTokenInvalid, ErrTokenExpired), auditErrTokenExpired},
		{ErrTokenInvalid, auditErrInvalidToken},
		{ErrUnknownUser, auditErrUserNotFound},
		{fmt.Errorf("%w: connection refused", ErrStorageUnavailable), auditErrUnavailable},
		{errors.New("boom"), auditErrInternal},
	}
	for _, tc := range cases {
		if got := auditErrorCode(tc.err); got != tc.want {
			t.Fatalf("auditErrorCode(%v): expected %q, got %q", tc.err, tc.want, got)
		}
	}
}
