package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/dlq"
	"github.com/rbaliyan/relay/monitor"
	"github.com/rbaliyan/relay/queue"
	"github.com/rbaliyan/relay/replay"
)

type fakeDeadLetters struct {
	messages map[string]*relay.Message
	purged   []string
	replayed []string
}

func newFakeDeadLetters(msgs ...*relay.Message) *fakeDeadLetters {
	f := &fakeDeadLetters{messages: make(map[string]*relay.Message)}
	for _, m := range msgs {
		f.messages[m.ID] = m
	}
	return f
}

func (f *fakeDeadLetters) Get(ctx context.Context, id string) (*relay.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return nil, relay.ErrMessageNotFound
	}
	return msg, nil
}

func (f *fakeDeadLetters) List(ctx context.Context, filter dlq.Filter) ([]*relay.Message, error) {
	var out []*relay.Message
	for _, m := range f.messages {
		if filter.Reason != "" && !strings.Contains(m.Error, filter.Reason) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeDeadLetters) ReplayOne(ctx context.Context, id string) (*relay.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return nil, relay.ErrMessageNotFound
	}
	delete(f.messages, id)
	f.replayed = append(f.replayed, id)
	fresh := msg.Clone()
	fresh.ID = "fresh-" + id
	fresh.RetryCount = 0
	fresh.Status = relay.StatusPending
	return fresh, nil
}

func (f *fakeDeadLetters) Purge(ctx context.Context, id string) error {
	if _, ok := f.messages[id]; !ok {
		return relay.ErrMessageNotFound
	}
	delete(f.messages, id)
	f.purged = append(f.purged, id)
	return nil
}

func (f *fakeDeadLetters) Stats(ctx context.Context) (*dlq.Stats, error) {
	return &dlq.Stats{TotalMessages: int64(len(f.messages))}, nil
}

type fakeReplays struct {
	lastTrigger replay.Trigger
	audits      []*replay.Audit
}

func (f *fakeReplays) completion(trigger replay.Trigger) *replay.Audit {
	f.lastTrigger = trigger
	return &replay.Audit{
		ID:          "audit-1",
		OperationID: "op-1",
		Trigger:     trigger,
		Status:      replay.StatusCompleted,
		RecordedAt:  time.Now(),
	}
}

func (f *fakeReplays) ReplayTimeRange(ctx context.Context, start, end time.Time) (*replay.Audit, error) {
	return f.completion(replay.TriggerTimeRange), nil
}

func (f *fakeReplays) ReplayIDs(ctx context.Context, ids []string) (*replay.Audit, error) {
	return f.completion(replay.TriggerByIDs), nil
}

func (f *fakeReplays) ReplayDLQ(ctx context.Context) (*replay.Audit, error) {
	return f.completion(replay.TriggerDLQ), nil
}

func (f *fakeReplays) Audits(ctx context.Context, limit int) ([]*replay.Audit, error) {
	if limit > 0 && limit < len(f.audits) {
		return f.audits[:limit], nil
	}
	return f.audits, nil
}

func (f *fakeReplays) Operation(ctx context.Context, operationID string) ([]*replay.Audit, error) {
	var out []*replay.Audit
	for _, a := range f.audits {
		if a.OperationID == operationID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeHealth struct {
	report monitor.HealthReport
}

func (f *fakeHealth) Check(ctx context.Context) (*monitor.HealthReport, error) {
	r := f.report
	return &r, nil
}

func deadMessage(reason string) *relay.Message {
	msg := relay.NewMessage([]byte("payload"))
	msg.Status = relay.StatusDeadLetter
	msg.Error = reason
	return msg
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandler(t *testing.T) {
	t.Run("health reflects report status", func(t *testing.T) {
		healthy := New(nil, nil, nil, &fakeHealth{report: monitor.HealthReport{Healthy: true}})
		if rec := do(t, healthy, http.MethodGet, "/v1/health", nil); rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}

		sick := New(nil, nil, nil, &fakeHealth{report: monitor.HealthReport{Healthy: false, Issues: []string{"queue depth"}}})
		rec := do(t, sick, http.MethodGet, "/v1/health", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
		var report monitor.HealthReport
		decode(t, rec, &report)
		if len(report.Issues) != 1 {
			t.Errorf("expected issues in body, got %v", report.Issues)
		}
	})

	t.Run("queue stats", func(t *testing.T) {
		q := queue.NewMemoryQueue()
		ctx := context.Background()
		q.Enqueue(ctx, relay.NewMessage([]byte("a")))

		h := New(q, nil, nil, nil)
		rec := do(t, h, http.MethodGet, "/v1/queue/stats", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var stats queue.Stats
		decode(t, rec, &stats)
		if stats.Depth != 1 {
			t.Errorf("expected depth 1, got %d", stats.Depth)
		}
	})

	t.Run("dlq list with reason filter", func(t *testing.T) {
		timeout := deadMessage("timeout")
		refused := deadMessage("connection refused")
		h := New(nil, newFakeDeadLetters(timeout, refused), nil, nil)

		rec := do(t, h, http.MethodGet, "/v1/dlq?reason=refused", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Messages []*messageView `json:"messages"`
		}
		decode(t, rec, &body)
		if len(body.Messages) != 1 || body.Messages[0].ID != refused.ID {
			t.Errorf("expected only the refused message, got %d results", len(body.Messages))
		}
	})

	t.Run("dlq get and purge", func(t *testing.T) {
		msg := deadMessage("boom")
		dl := newFakeDeadLetters(msg)
		h := New(nil, dl, nil, nil)

		rec := do(t, h, http.MethodGet, "/v1/dlq/"+msg.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var view messageView
		decode(t, rec, &view)
		if view.ID != msg.ID {
			t.Errorf("expected %s, got %s", msg.ID, view.ID)
		}

		if rec := do(t, h, http.MethodDelete, "/v1/dlq/"+msg.ID, nil); rec.Code != http.StatusOK {
			t.Errorf("expected 200 on purge, got %d", rec.Code)
		}
		if len(dl.purged) != 1 {
			t.Errorf("expected 1 purge, got %d", len(dl.purged))
		}
		if rec := do(t, h, http.MethodGet, "/v1/dlq/"+msg.ID, nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 after purge, got %d", rec.Code)
		}
	})

	t.Run("dlq replay one", func(t *testing.T) {
		msg := deadMessage("boom")
		dl := newFakeDeadLetters(msg)
		h := New(nil, dl, nil, nil)

		rec := do(t, h, http.MethodPost, fmt.Sprintf("/v1/dlq/%s/replay", msg.ID), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var view messageView
		decode(t, rec, &view)
		if view.ID == msg.ID {
			t.Error("expected a fresh message ID in the response")
		}
		if view.RetryCount != 0 {
			t.Errorf("expected reset retry count, got %d", view.RetryCount)
		}
	})

	t.Run("dlq stats route", func(t *testing.T) {
		h := New(nil, newFakeDeadLetters(deadMessage("a"), deadMessage("b")), nil, nil)
		rec := do(t, h, http.MethodGet, "/v1/dlq/stats", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var stats dlq.Stats
		decode(t, rec, &stats)
		if stats.TotalMessages != 2 {
			t.Errorf("expected 2 messages, got %d", stats.TotalMessages)
		}
	})

	t.Run("bulk replay dispatch", func(t *testing.T) {
		replays := &fakeReplays{}
		h := New(nil, nil, replays, nil)

		start := time.Now().Add(-time.Hour)
		end := time.Now()
		rec := do(t, h, http.MethodPost, "/v1/replay", replayRequest{
			Trigger:   replay.TriggerTimeRange,
			StartTime: &start,
			EndTime:   &end,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if replays.lastTrigger != replay.TriggerTimeRange {
			t.Errorf("expected time range dispatch, got %s", replays.lastTrigger)
		}

		rec = do(t, h, http.MethodPost, "/v1/replay", replayRequest{
			Trigger: replay.TriggerByIDs,
			IDs:     []string{"m1"},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if replays.lastTrigger != replay.TriggerByIDs {
			t.Errorf("expected by ids dispatch, got %s", replays.lastTrigger)
		}

		rec = do(t, h, http.MethodPost, "/v1/replay", replayRequest{Trigger: replay.TriggerDLQ})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("bulk replay validation", func(t *testing.T) {
		h := New(nil, nil, &fakeReplays{}, nil)

		rec := do(t, h, http.MethodPost, "/v1/replay", map[string]string{"trigger": "bogus"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown trigger, got %d", rec.Code)
		}

		rec = do(t, h, http.MethodPost, "/v1/replay", replayRequest{Trigger: replay.TriggerTimeRange})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for missing time range, got %d", rec.Code)
		}

		rec = do(t, h, http.MethodPost, "/v1/replay", replayRequest{Trigger: replay.TriggerByIDs})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for missing ids, got %d", rec.Code)
		}
	})

	t.Run("audits listing and operation lookup", func(t *testing.T) {
		replays := &fakeReplays{audits: []*replay.Audit{
			{ID: "a2", OperationID: "op-1", Status: replay.StatusCompleted, RecordedAt: time.Now()},
			{ID: "a1", OperationID: "op-1", Status: replay.StatusRunning, RecordedAt: time.Now().Add(-time.Second)},
		}}
		h := New(nil, nil, replays, nil)

		rec := do(t, h, http.MethodGet, "/v1/replay/audits?limit=1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var listing struct {
			Audits []*replay.Audit `json:"audits"`
		}
		decode(t, rec, &listing)
		if len(listing.Audits) != 1 {
			t.Errorf("expected limit applied, got %d audits", len(listing.Audits))
		}

		rec = do(t, h, http.MethodGet, "/v1/replay/audits/op-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		decode(t, rec, &listing)
		if len(listing.Audits) != 2 {
			t.Errorf("expected both operation records, got %d", len(listing.Audits))
		}

		if rec := do(t, h, http.MethodGet, "/v1/replay/audits/missing", nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 for unknown operation, got %d", rec.Code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		h := New(nil, newFakeDeadLetters(), &fakeReplays{}, &fakeHealth{})
		if rec := do(t, h, http.MethodPost, "/v1/health", nil); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405 on POST health, got %d", rec.Code)
		}
		if rec := do(t, h, http.MethodGet, "/v1/replay", nil); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405 on GET replay, got %d", rec.Code)
		}
	})

	t.Run("unconfigured collaborators answer 404", func(t *testing.T) {
		h := New(nil, nil, nil, nil)
		if rec := do(t, h, http.MethodGet, "/v1/health", nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 without a monitor, got %d", rec.Code)
		}
		if rec := do(t, h, http.MethodGet, "/v1/dlq", nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 without a dead-letter store, got %d", rec.Code)
		}
	})
}
