package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"montage/api/internal/store"
)

func change(asset, section, id string, at time.Time) store.EditChange {
	return store.EditChange{
		ID:         id,
		AssetID:    asset,
		SectionID:  section,
		SessionID:  "ses_1",
		IdentityID: "Avery",
		Delta:      json.RawMessage(fmt.Sprintf(`{"op":"insert","text":%q}`, id)),
		CreatedAt:  at,
	}
}

func TestAppendChangeCommitsPerDelta(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	for i, section := range []string{"intro", "outro", "intro"} {
		if err := svc.AppendChange(ctx, change("v1", section, fmt.Sprintf("chg_%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("AppendChange(%d) error = %v", i, err)
		}
	}
	if _, err := os.Stat(filepath.Join(tempDir, "v1", "sections", "intro.jsonl")); err != nil {
		t.Fatalf("section file missing: %v", err)
	}

	history, err := svc.History("v1", "", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(history))
	}
	if history[0].SectionID != "intro" || history[0].Author != "Avery" || history[0].Message != "edit intro" {
		t.Fatalf("unexpected head commit %+v", history[0])
	}

	intro, err := svc.History("v1", "intro", 10)
	if err != nil {
		t.Fatalf("History(intro) error = %v", err)
	}
	if len(intro) != 2 {
		t.Fatalf("expected 2 intro commits, got %d", len(intro))
	}
	limited, _ := svc.History("v1", "", 1)
	if len(limited) != 1 {
		t.Fatalf("limit not applied, got %d", len(limited))
	}

	entries, err := svc.Entries("v1", "intro", "")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ChangeID != "chg_0" || entries[1].ChangeID != "chg_2" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	older, err := svc.Entries("v1", "intro", history[1].Hash)
	if err != nil {
		t.Fatalf("Entries(at %s) error = %v", history[1].Hash, err)
	}
	if len(older) != 1 {
		t.Fatalf("expected one entry at the older revision, got %d", len(older))
	}
}

func TestUnknownAssetHasEmptyJournal(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("missing", "", 10)
	if err != nil || len(history) != 0 {
		t.Fatalf("History() = %v, %v", history, err)
	}
	entries, err := svc.Entries("missing", "intro", "")
	if err != nil || len(entries) != 0 {
		t.Fatalf("Entries() = %v, %v", entries, err)
	}
	if _, ok, err := svc.Head("missing"); ok || err != nil {
		t.Fatalf("Head() = %v, %v", ok, err)
	}
	if err := svc.Tag("missing", "published", "x"); err != nil {
		t.Fatalf("Tag() on empty journal = %v", err)
	}
}

func TestHeadAndTag(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	if err := svc.AppendChange(ctx, change("v1", "intro", "chg_a", time.Now())); err != nil {
		t.Fatal(err)
	}
	head, ok, err := svc.Head("v1")
	if err != nil || !ok || head.Hash == "" {
		t.Fatalf("Head() = %+v, %v, %v", head, ok, err)
	}
	if err := svc.Tag("v1", "published-wf_1", "published"); err != nil {
		t.Fatalf("Tag() error = %v", err)
	}
	if err := svc.Tag("v1", "published-wf_1", "published"); err != nil {
		t.Fatalf("re-tag should be tolerated, got %v", err)
	}
	if err := svc.AppendChange(ctx, change("v1", "intro", "chg_b", time.Now())); err != nil {
		t.Fatal(err)
	}
	tagged, err := svc.Entries("v1", "intro", "published-wf_1")
	if err != nil {
		t.Fatalf("Entries(tag) error = %v", err)
	}
	if len(tagged) != 1 || tagged[0].ChangeID != "chg_a" {
		t.Fatalf("unexpected tagged entries %+v", tagged)
	}
}

func TestUnsafeIdentifiersStayInsideBaseDir(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if err := svc.AppendChange(context.Background(), change("../escape", "a/b", "chg_1", time.Now())); err != nil {
		t.Fatalf("AppendChange() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(tempDir), "escape")); err == nil {
		t.Fatal("asset id escaped the journal directory")
	}
	history, err := svc.History("../escape", "a/b", 0)
	if err != nil || len(history) != 1 || history[0].SectionID != "a/b" {
		t.Fatalf("History() = %+v, %v", history, err)
	}
	if got := safeSegment("x-41"); got == "x-41" {
		t.Fatal("prefixed ids must be encoded to avoid collisions")
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- svc.AppendChange(ctx, change("v1", "intro", fmt.Sprintf("chg_%02d", i), time.Now()))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendChange() error = %v", err)
		}
	}
	entries, err := svc.Entries("v1", "intro", "")
	if err != nil || len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d (%v)", len(entries), err)
	}
}

func TestTeeIntoJournal(t *testing.T) {
	memory := store.NewMemoryStore()
	svc := New(t.TempDir())
	tee := store.TeeChanges(memory, svc)
	if err := tee.AppendChange(context.Background(), change("v1", "intro", "chg_1", time.Now())); err != nil {
		t.Fatal(err)
	}
	stored, _ := memory.ListChanges(context.Background(), "v1", "intro", 10)
	history, _ := svc.History("v1", "intro", 10)
	if len(stored) != 1 || len(history) != 1 {
		t.Fatalf("expected change in both stores, got %d / %d", len(stored), len(history))
	}
}
