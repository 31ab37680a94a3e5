package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/reconcile"
	"github.com/lalithlochan/herald/internal/sqs"
)

type fakeSource struct {
	batches [][]sqs.Message
	err     error
	deleted []string
	calls   int
}

func (f *fakeSource) Receive(ctx context.Context) ([]sqs.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeSource) Delete(_ context.Context, handle string) error {
	f.deleted = append(f.deleted, handle)
	return nil
}

type fakeReconciler struct {
	events []reconcile.StatusEvent
}

func (f *fakeReconciler) OnStatusEvent(_ context.Context, ev reconcile.StatusEvent) (reconcile.MatchResult, error) {
	f.events = append(f.events, ev)
	return reconcile.Matched, nil
}

func notification(t *testing.T, event string) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"Type": "Notification", "Message": event})
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestPollOnce(t *testing.T) {
	src := &fakeSource{batches: [][]sqs.Message{{
		{ID: "1", ReceiptHandle: "rh-1", Body: notification(t, `{"eventType":"Delivery","mail":{"messageId":"ses-1"},"delivery":{"timestamp":"2026-10-01T10:00:00Z"}}`)},
		{ID: "2", ReceiptHandle: "rh-2", Body: notification(t, `{"eventType":"DeliveryDelay","mail":{"messageId":"ses-2"}}`)},
		{ID: "3", ReceiptHandle: "rh-3", Body: "garbage"},
		{ID: "4", ReceiptHandle: "rh-4", Body: notification(t, `{"eventType":"Open","mail":{"messageId":"ses-1"},"open":{"timestamp":"2026-10-01T11:00:00Z"}}`)},
	}}}
	rec := &fakeReconciler{}
	p := New(src, rec, Config{}, zap.NewNop())

	n, err := p.PollOnce(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("PollOnce = %d, %v", n, err)
	}
	if len(rec.events) != 2 {
		t.Fatalf("reconciled %d events, want 2", len(rec.events))
	}
	if rec.events[0].Status != db.StatusDelivered || rec.events[1].Status != db.StatusRead {
		t.Errorf("events = %+v", rec.events)
	}
	if len(src.deleted) != 4 {
		t.Errorf("deleted %v, want every message", src.deleted)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	src := &fakeSource{err: errors.New("access denied")}
	p := New(src, &fakeReconciler{}, Config{ErrorBackoff: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	if src.calls < 2 {
		t.Errorf("expected repeated receives after errors, got %d", src.calls)
	}
}
