package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/action-gateway/pkg/events"
)

const recorderTestPrefix = "db:recorder_test"

type fakeStore struct {
	inserted []*Session
	closed   []CloseSessionParams
	err      error
}

func (f *fakeStore) InsertSession(_ context.Context, s *Session) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, s)
	return nil
}

func (f *fakeStore) CloseSession(_ context.Context, p CloseSessionParams) error {
	if f.err != nil {
		return f.err
	}
	f.closed = append(f.closed, p)
	return nil
}

func TestSessionRecorder_ConnectAndDisconnect(t *testing.T) {
	store := &fakeStore{}
	rec := NewSessionRecorder(store, "gw-1")
	sid := uuid.NewString()
	ctx := context.Background()

	up := events.NewClientEvent(events.KindConnected, 3, sid)
	up.RemoteAddr = "127.0.0.1:9000"
	up.Protocol = "1.0.0"
	if err := rec.PublishClientEvent(ctx, up); err != nil {
		t.Fatalf("%s - connected: %v", recorderTestPrefix, err)
	}

	down := events.NewClientEvent(events.KindDisconnected, 3, sid)
	down.CloseCode = 1000
	down.Reason = "bye"
	if err := rec.PublishClientEvent(ctx, down); err != nil {
		t.Fatalf("%s - disconnected: %v", recorderTestPrefix, err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("%s - inserted = %d, want 1", recorderTestPrefix, len(store.inserted))
	}
	s := store.inserted[0]
	if s.ID != sid || s.Gateway != "gw-1" || s.ClientID != 3 || s.RemoteAddr != "127.0.0.1:9000" || s.Protocol != "1.0.0" {
		t.Errorf("%s - inserted session = %+v", recorderTestPrefix, s)
	}
	if time.Since(s.ConnectedAt) > time.Minute {
		t.Errorf("%s - ConnectedAt = %v, want event time", recorderTestPrefix, s.ConnectedAt)
	}
	if !s.Open() {
		t.Errorf("%s - new session must be open", recorderTestPrefix)
	}

	if len(store.closed) != 1 {
		t.Fatalf("%s - closed = %d, want 1", recorderTestPrefix, len(store.closed))
	}
	c := store.closed[0]
	if c.ID != sid || c.CloseCode != 1000 || c.CloseReason != "bye" {
		t.Errorf("%s - close params = %+v", recorderTestPrefix, c)
	}
}

func TestSessionRecorder_InvalidSessionID(t *testing.T) {
	store := &fakeStore{}
	rec := NewSessionRecorder(store, "gw")
	err := rec.PublishClientEvent(context.Background(), events.NewClientEvent(events.KindConnected, 1, "not-a-uuid"))
	if err == nil {
		t.Errorf("%s - expected error for invalid session id", recorderTestPrefix)
	}
	if len(store.inserted) != 0 {
		t.Errorf("%s - nothing must be written for an invalid id", recorderTestPrefix)
	}
}

func TestSessionRecorder_StoreError(t *testing.T) {
	boom := errors.New("boom")
	rec := NewSessionRecorder(&fakeStore{err: boom}, "gw")
	err := rec.PublishClientEvent(context.Background(), events.NewClientEvent(events.KindConnected, 1, uuid.NewString()))
	if !errors.Is(err, boom) {
		t.Errorf("%s - err = %v, want %v", recorderTestPrefix, err, boom)
	}
}

func TestEventTime(t *testing.T) {
	ts := "2026-01-02T03:04:05.123456789Z"
	got := eventTime(ts)
	if got.Format(time.RFC3339Nano) != ts {
		t.Errorf("%s - eventTime(%q) = %v", recorderTestPrefix, ts, got)
	}
	if time.Since(eventTime("garbage")) > time.Minute {
		t.Errorf("%s - invalid timestamp must fall back to now", recorderTestPrefix)
	}
}
