package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/dlq"
)

// fakeReplayer serves a fixed set of messages and fails the ones listed
// in broken.
type fakeReplayer struct {
	messages []*relay.Message
	broken   map[string]error
	replayed []string
}

func (f *fakeReplayer) List(ctx context.Context, filter dlq.Filter) ([]*relay.Message, error) {
	if len(filter.IDs) == 0 {
		return f.messages, nil
	}
	var out []*relay.Message
	for _, msg := range f.messages {
		for _, id := range filter.IDs {
			if msg.ID == id {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (f *fakeReplayer) ReplayOne(ctx context.Context, id string) (*relay.Message, error) {
	if err, ok := f.broken[id]; ok {
		return nil, err
	}
	f.replayed = append(f.replayed, id)
	return relay.NewMessage([]byte("fresh")), nil
}

func deadMessage() *relay.Message {
	msg := relay.NewMessage([]byte("payload"))
	msg.Status = relay.StatusDeadLetter
	return msg
}

func TestService(t *testing.T) {
	ctx := context.Background()

	t.Run("successful replay writes linked audit records", func(t *testing.T) {
		replayer := &fakeReplayer{messages: []*relay.Message{deadMessage(), deadMessage()}}
		audits := NewMemoryAuditStore()
		svc := NewService(replayer, audits)

		done, err := svc.ReplayDLQ(ctx)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if done.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", done.Status)
		}
		if done.Replayed != 2 || done.Failed != 0 {
			t.Errorf("expected 2 replayed 0 failed, got %d/%d", done.Replayed, done.Failed)
		}

		trail, err := audits.ByOperation(ctx, done.OperationID)
		if err != nil {
			t.Fatalf("by operation failed: %v", err)
		}
		if len(trail) != 2 {
			t.Fatalf("expected running and completion records, got %d", len(trail))
		}
		if trail[0].Status != StatusRunning {
			t.Errorf("expected running first, got %s", trail[0].Status)
		}
		if trail[1].Status != StatusCompleted {
			t.Errorf("expected completed second, got %s", trail[1].Status)
		}
		if trail[0].ID == trail[1].ID {
			t.Error("audit records must have distinct IDs")
		}
		if trail[0].Requested != 2 {
			t.Errorf("expected requested count on running record, got %d", trail[0].Requested)
		}
	})

	t.Run("partial failure marks completed with errors", func(t *testing.T) {
		good := deadMessage()
		bad := deadMessage()
		replayer := &fakeReplayer{
			messages: []*relay.Message{good, bad},
			broken:   map[string]error{bad.ID: errors.New("enqueue rejected")},
		}
		svc := NewService(replayer, NewMemoryAuditStore())

		done, err := svc.ReplayDLQ(ctx)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if done.Status != StatusCompletedWithErrors {
			t.Errorf("expected completed_with_errors, got %s", done.Status)
		}
		if done.Replayed != 1 || done.Failed != 1 {
			t.Errorf("expected 1 replayed 1 failed, got %d/%d", done.Replayed, done.Failed)
		}
		if done.Errors[bad.ID] != "enqueue rejected" {
			t.Errorf("expected per-message error recorded, got %q", done.Errors[bad.ID])
		}
	})

	t.Run("replay by ids records criteria", func(t *testing.T) {
		first := deadMessage()
		second := deadMessage()
		replayer := &fakeReplayer{messages: []*relay.Message{first, second}}
		svc := NewService(replayer, NewMemoryAuditStore())

		done, err := svc.ReplayIDs(ctx, []string{first.ID})
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if done.Trigger != TriggerByIDs {
			t.Errorf("expected by_ids trigger, got %s", done.Trigger)
		}
		if done.Requested != 1 || done.Replayed != 1 {
			t.Errorf("expected only the requested message, got %d/%d", done.Requested, done.Replayed)
		}
		if len(done.IDs) != 1 || done.IDs[0] != first.ID {
			t.Errorf("expected criteria recorded, got %v", done.IDs)
		}
	})

	t.Run("replay by time range records the window", func(t *testing.T) {
		replayer := &fakeReplayer{messages: []*relay.Message{deadMessage()}}
		svc := NewService(replayer, NewMemoryAuditStore())

		start := time.Now().Add(-time.Hour)
		end := time.Now()
		done, err := svc.ReplayTimeRange(ctx, start, end)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if done.Trigger != TriggerTimeRange {
			t.Errorf("expected time_range trigger, got %s", done.Trigger)
		}
		if done.StartTime == nil || !done.StartTime.Equal(start) {
			t.Errorf("expected start time recorded, got %v", done.StartTime)
		}
		if done.EndTime == nil || !done.EndTime.Equal(end) {
			t.Errorf("expected end time recorded, got %v", done.EndTime)
		}
	})
}

func TestMemoryAuditStore(t *testing.T) {
	ctx := context.Background()

	t.Run("list returns newest first", func(t *testing.T) {
		store := NewMemoryAuditStore()
		for i := 0; i < 3; i++ {
			store.Append(ctx, &Audit{
				ID:          newAuditID(),
				OperationID: "op",
				Status:      StatusRunning,
				RecordedAt:  time.Now().Add(time.Duration(i) * time.Second),
			})
		}

		audits, err := store.List(ctx, 2)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(audits) != 2 {
			t.Fatalf("expected limit applied, got %d", len(audits))
		}
		if audits[0].RecordedAt.Before(audits[1].RecordedAt) {
			t.Error("expected newest first")
		}
	})

	t.Run("stored audits are isolated from callers", func(t *testing.T) {
		store := NewMemoryAuditStore()
		audit := &Audit{
			ID:          newAuditID(),
			OperationID: "op",
			Status:      StatusCompletedWithErrors,
			Errors:      map[string]string{"m1": "boom"},
			RecordedAt:  time.Now(),
		}
		store.Append(ctx, audit)
		audit.Errors["m1"] = "mutated"

		got, err := store.ByOperation(ctx, "op")
		if err != nil {
			t.Fatalf("by operation failed: %v", err)
		}
		if got[0].Errors["m1"] != "boom" {
			t.Errorf("expected stored copy unaffected, got %q", got[0].Errors["m1"])
		}
	})
}
