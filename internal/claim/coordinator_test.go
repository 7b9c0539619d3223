package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/store/memstore"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

const table = "staging"

var fixedNow = time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

func seed(t *testing.T, rows ...typedvalue.Item) *memstore.Store {
	t.Helper()
	st := memstore.New(table)
	for _, row := range rows {
		if err := st.PutItem(context.Background(), table, row); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return st
}

func stagingRow(id, fileID string, handled, processed typedvalue.Number) typedvalue.Item {
	return typedvalue.Item{
		domain.AttrID:          typedvalue.String(id),
		domain.AttrFileID:      typedvalue.String(fileID),
		domain.AttrPolicyID:    typedvalue.String("p1"),
		domain.AttrDomainName:  typedvalue.String("people"),
		domain.AttrIsHandled:   handled,
		domain.AttrIsProcessed: processed,
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	st := seed(t, stagingRow("r1", "f1", domain.FlagUnset, domain.FlagUnset))
	c := New(st, WithClock(func() time.Time { return fixedNow }))

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := c.Claim(ctx, table, "r1")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	item, _, _ := st.GetItem(ctx, table, "r1")
	row := domain.StagingRowFromItem(item)
	if !row.IsHandled {
		t.Fatalf("expected row to end claimed")
	}
	if row.ClaimedAt != domain.FormatTimestamp(fixedNow) {
		t.Fatalf("unexpected claimed_at %q", row.ClaimedAt)
	}
}

func TestMarkProcessedRequiresClaim(t *testing.T) {
	ctx := context.Background()
	st := seed(t, stagingRow("r1", "f1", domain.FlagUnset, domain.FlagUnset))
	c := New(st)

	if err := c.MarkProcessed(ctx, table, "r1"); !errors.Is(err, ErrClaimNotHeld) {
		t.Fatalf("expected ErrClaimNotHeld, got %v", err)
	}

	if ok, err := c.Claim(ctx, table, "r1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := c.MarkProcessed(ctx, table, "r1"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	item, _, _ := st.GetItem(ctx, table, "r1")
	row := domain.StagingRowFromItem(item)
	if !row.IsHandled || !row.IsProcessed || row.ProcessedAt == "" {
		t.Fatalf("expected processed row, got %+v", row)
	}
}

func TestRevertClaim(t *testing.T) {
	ctx := context.Background()
	st := seed(t, stagingRow("r1", "f1", domain.FlagUnset, domain.FlagUnset))
	c := New(st)

	if ok, err := c.RevertClaim(ctx, table, "r1"); err != nil || ok {
		t.Fatalf("revert of unclaimed row: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.Claim(ctx, table, "r1"); !ok {
		t.Fatalf("expected claim")
	}
	if ok, err := c.RevertClaim(ctx, table, "r1"); err != nil || !ok {
		t.Fatalf("revert: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.Claim(ctx, table, "r1"); !ok {
		t.Fatalf("expected row to be claimable again after revert")
	}
}

func TestGetUnprocessedByFile(t *testing.T) {
	ctx := context.Background()
	st := seed(t,
		stagingRow("r1", "f1", domain.FlagUnset, domain.FlagUnset),
		stagingRow("r2", "f1", domain.FlagSet, domain.FlagUnset),
		stagingRow("r3", "f1", domain.FlagSet, domain.FlagSet),
		stagingRow("r4", "f2", domain.FlagUnset, domain.FlagUnset),
	)
	c := New(st)

	items, err := c.GetUnprocessedByFile(ctx, table, Selector{FileID: "f1", PolicyID: "p1", DomainName: "people"})
	if err != nil {
		t.Fatalf("get unprocessed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 row, got %d", len(items))
	}
	if id, _ := items[0].Text(domain.AttrID); id != "r1" {
		t.Fatalf("expected r1, got %s", id)
	}

	_, err = c.GetUnprocessedByFile(ctx, table, Selector{FileID: "f3"})
	if !errors.Is(err, ErrNoRowsFound) {
		t.Fatalf("expected ErrNoRowsFound, got %v", err)
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	st := seed(t,
		stagingRow("ok", "f1", domain.FlagUnset, domain.FlagUnset),
		stagingRow("fail", "f1", domain.FlagUnset, domain.FlagUnset),
		stagingRow("taken", "f1", domain.FlagSet, domain.FlagUnset),
	)
	c := New(st)

	claimed, err := c.Process(ctx, table, "ok", func(context.Context) error { return nil })
	if !claimed || err != nil {
		t.Fatalf("process ok: claimed=%v err=%v", claimed, err)
	}

	boom := errors.New("boom")
	claimed, err = c.Process(ctx, table, "fail", func(context.Context) error { return boom })
	if !claimed || !errors.Is(err, boom) {
		t.Fatalf("process fail: claimed=%v err=%v", claimed, err)
	}
	item, _, _ := st.GetItem(ctx, table, "fail")
	if domain.StagingRowFromItem(item).IsHandled {
		t.Fatalf("failed processing must release the claim")
	}

	called := false
	claimed, err = c.Process(ctx, table, "taken", func(context.Context) error { called = true; return nil })
	if claimed || err != nil || called {
		t.Fatalf("process taken: claimed=%v err=%v called=%v", claimed, err, called)
	}
}
