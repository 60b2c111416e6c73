package bulkops

import (
	"context"
	"errors"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/vireolabs/hookmark/dbopen"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewWithDB(db, Config{}, nil)
}

func enqueue(t *testing.T, q *Queue, kind Kind, n int) *Operation {
	t.Helper()
	targets := make([]Target, n)
	for i := range targets {
		targets[i] = Target{
			Signature: fmt.Sprintf("button#data-testid=btn-%d", i+1),
			Label:     fmt.Sprintf("Button %d", i+1),
		}
	}
	op, err := q.Enqueue(context.Background(), &Operation{
		OrgID:    "org_1",
		Kind:     kind,
		PagePath: "/dash",
	}, targets)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return op
}

func TestEnqueueAndGet(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := enqueue(t, q, KindTest, 3)
	if op.ID == "" || op.ID[:4] != "blk_" {
		t.Fatalf("op id = %q, want blk_ prefix", op.ID)
	}
	if op.Status != StatusPending || op.Total != 3 {
		t.Fatalf("op = %+v, want pending total=3", op)
	}

	got, err := q.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Kind != KindTest || got.Total != 3 {
		t.Fatalf("get = %+v", got)
	}

	items, err := q.Items(ctx, op.ID)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	for i, it := range items {
		if it.Seq != i+1 {
			t.Fatalf("item %d seq = %d", i, it.Seq)
		}
		if it.State != ItemPending {
			t.Fatalf("item %d state = %s", i, it.State)
		}
	}
}

func TestGetMissingOperation(t *testing.T) {
	q := testQueue(t)
	op, err := q.Get(context.Background(), "blk_nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op != nil {
		t.Fatalf("got %+v, want nil", op)
	}
}

func TestEnqueueRejectsEmptySelection(t *testing.T) {
	q := testQueue(t)
	_, err := q.Enqueue(context.Background(), &Operation{OrgID: "org_1", Kind: KindBind}, nil)
	if !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q := testQueue(t)
	_, err := q.Enqueue(context.Background(), &Operation{OrgID: "org_1", Kind: "explode"},
		[]Target{{Signature: "button#id=x"}})
	if err == nil {
		t.Fatal("want error for unknown kind")
	}
}

func TestRunExecutesInSelectionOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	op := enqueue(t, q, KindUnbind, 4)

	var seen []int
	final, err := q.Run(ctx, op.ID, func(ctx context.Context, item *Item) error {
		seen = append(seen, item.Seq)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Done != 4 || final.Failed != 0 {
		t.Fatalf("done=%d failed=%d, want 4/0", final.Done, final.Failed)
	}
	if final.FinishedAt == 0 {
		t.Fatal("finished_at not stamped")
	}
	for i, seq := range seen {
		if seq != i+1 {
			t.Fatalf("execution order %v, want ascending seq", seen)
		}
	}
}

func TestCancelMidRunKeepsFinishedResultsOnly(t *testing.T) {
	// Cancelling during the second of five elements: the in-flight
	// element finishes, the remaining three never start, and exactly
	// two per-element results exist afterwards.
	q := testQueue(t)
	ctx := context.Background()
	op := enqueue(t, q, KindTest, 5)

	ran := 0
	final, err := q.Run(ctx, op.ID, func(ctx context.Context, item *Item) error {
		ran++
		if item.Seq == 2 {
			ok, err := q.Cancel(ctx, op.ID)
			if err != nil || !ok {
				t.Fatalf("cancel: ok=%v err=%v", ok, err)
			}
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ran != 2 {
		t.Fatalf("ran %d items, want 2", ran)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}

	results, err := q.Results(ctx, op.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want exactly 2", len(results))
	}
	for _, it := range results {
		if it.State != ItemOK {
			t.Fatalf("item %d state = %s, want ok", it.Seq, it.State)
		}
	}

	items, err := q.Items(ctx, op.ID)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	for _, it := range items[2:] {
		if it.State != ItemPending {
			t.Fatalf("item %d state = %s, want untouched pending", it.Seq, it.State)
		}
	}
}

func TestRunRecordsItemFailures(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	op := enqueue(t, q, KindBind, 3)

	final, err := q.Run(ctx, op.ID, func(ctx context.Context, item *Item) error {
		if item.Seq == 2 {
			return errors.New("endpoint unreachable")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Done != 2 || final.Failed != 1 {
		t.Fatalf("done=%d failed=%d, want 2/1", final.Done, final.Failed)
	}

	items, _ := q.Items(ctx, op.ID)
	if items[1].State != ItemError || items[1].Detail != "endpoint unreachable" {
		t.Fatalf("failed item = %+v", items[1])
	}
	if items[0].State != ItemOK || items[2].State != ItemOK {
		t.Fatalf("siblings not ok: %+v %+v", items[0], items[2])
	}
}

func TestContextCancellationStopsRun(t *testing.T) {
	q := testQueue(t)
	op := enqueue(t, q, KindTest, 5)

	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	final, err := q.Run(ctx, op.ID, func(ctx context.Context, item *Item) error {
		ran++
		if item.Seq == 1 {
			cancel()
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ran != 1 {
		t.Fatalf("ran %d items, want 1", ran)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestCancelIsIdempotentAndTerminalStatesStick(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	op := enqueue(t, q, KindUnbind, 1)

	if _, err := q.Run(ctx, op.ID, func(context.Context, *Item) error { return nil }, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	ok, err := q.Cancel(ctx, op.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("cancel of a completed operation reported success")
	}
	got, _ := q.Get(ctx, op.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed to stick", got.Status)
	}
}

func TestRunReportsProgress(t *testing.T) {
	q := testQueue(t)
	op := enqueue(t, q, KindTest, 3)

	var done []int
	_, err := q.Run(context.Background(), op.ID, func(context.Context, *Item) error {
		return nil
	}, func(cur *Operation) {
		done = append(done, cur.Done)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []int{1, 2, 3}
	if len(done) != len(want) {
		t.Fatalf("progress calls = %v, want %v", done, want)
	}
	for i := range want {
		if done[i] != want[i] {
			t.Fatalf("progress calls = %v, want %v", done, want)
		}
	}
}

func TestRunResumesPartialOperation(t *testing.T) {
	// A first run dies partway (simulated by an ItemFunc error plus a
	// forced stop); a second Run picks up the untouched tail instead
	// of restarting from scratch.
	q := testQueue(t)
	ctx := context.Background()
	op := enqueue(t, q, KindBind, 3)

	item, err := q.claimNext(ctx, op.ID)
	if err != nil || item == nil {
		t.Fatalf("claim: %v %v", item, err)
	}
	if err := q.finishItem(ctx, item, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}

	var seen []int
	final, err := q.Run(ctx, op.ID, func(ctx context.Context, it *Item) error {
		seen = append(seen, it.Seq)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Fatalf("resumed run executed %v, want [2 3]", seen)
	}
	if final.Status != StatusCompleted || final.Done != 3 {
		t.Fatalf("final = %+v", final)
	}
}
