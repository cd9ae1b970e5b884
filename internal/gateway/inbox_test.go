package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestInboxRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")
	in, err := OpenInbox(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()

	ctx := context.Background()
	payloads := []struct {
		channel string
		body    string
	}{
		{"whatsapp", `{"content":"one"}`},
		{"telegram", `{"content":"two"}`},
		{"whatsapp", `{"content":"three"}`},
	}
	var ids []int64
	for _, p := range payloads {
		id, err := in.Append(ctx, p.channel, []byte(p.body))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}

	rows, err := in.Next(ctx, 10)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("pending rows = %d, want 3", len(rows))
	}
	for i, row := range rows {
		if row.ID != ids[i] {
			t.Fatalf("row %d id = %d, want %d (arrival order)", i, row.ID, ids[i])
		}
		if row.Channel != payloads[i].channel || string(row.Payload) != payloads[i].body {
			t.Fatalf("row %d = %q %q", i, row.Channel, row.Payload)
		}
		if row.ReceivedAt.IsZero() {
			t.Fatalf("row %d has zero received_at", i)
		}
	}

	if err := in.MarkProcessed(ctx, ids[1]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	rows, err = in.Next(ctx, 10)
	if err != nil {
		t.Fatalf("next after mark: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != ids[0] || rows[1].ID != ids[2] {
		t.Fatalf("pending after mark = %+v", rows)
	}

	// Limit is respected.
	rows, err = in.Next(ctx, 1)
	if err != nil {
		t.Fatalf("next limited: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != ids[0] {
		t.Fatalf("limited = %+v", rows)
	}
}

func TestInboxSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")
	in, err := OpenInbox(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := in.Append(ctx, "whatsapp", []byte(`{"content":"persisted"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	in2, err := OpenInbox(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer in2.Close()
	rows, err := in2.Next(ctx, 10)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(rows) != 1 || string(rows[0].Payload) != `{"content":"persisted"}` {
		t.Fatalf("rows after reopen = %+v", rows)
	}
}

func TestInboxPruneRemovesOnlyProcessed(t *testing.T) {
	in, err := OpenInbox(filepath.Join(t.TempDir(), "inbox.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()

	ctx := context.Background()
	done, err := in.Append(ctx, "whatsapp", []byte(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := in.Append(ctx, "telegram", []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := in.MarkProcessed(ctx, done); err != nil {
		t.Fatalf("mark: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := in.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	rows, err := in.Next(ctx, 10)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(rows) != 1 || rows[0].Channel != "telegram" {
		t.Fatalf("pending after prune = %+v", rows)
	}
}
