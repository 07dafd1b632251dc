package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/whiskerlink/whisker-bridge/internal/credentials"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestTokenCacheRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if _, err := repo.LoadTokens(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty cache, got %v", err)
	}

	expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	tokens := credentials.Tokens{
		AccessToken:  "access-1",
		IDToken:      "id-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiresAt,
	}
	if err := repo.SaveTokens(ctx, tokens); err != nil {
		t.Fatalf("save tokens: %v", err)
	}

	loaded, err := repo.LoadTokens(ctx)
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if loaded.AccessToken != "access-1" || loaded.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected triple %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected expiry %v, got %v", expiresAt, loaded.ExpiresAt)
	}
}

func TestSaveTokensReplacesPrevious(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for _, access := range []string{"access-1", "access-2"} {
		if err := repo.SaveTokens(ctx, credentials.Tokens{
			AccessToken:  access,
			IDToken:      "id-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("save tokens: %v", err)
		}
	}

	loaded, err := repo.LoadTokens(ctx)
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if loaded.AccessToken != "access-2" {
		t.Fatalf("expected latest triple, got %+v", loaded)
	}
}

func TestClearTokens(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.SaveTokens(ctx, credentials.Tokens{
		AccessToken: "access-1", IDToken: "id-1", RefreshToken: "refresh-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("save tokens: %v", err)
	}
	if err := repo.ClearTokens(ctx); err != nil {
		t.Fatalf("clear tokens: %v", err)
	}
	if _, err := repo.LoadTokens(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := repo.AppendHistory(ctx, HistoryEntry{
			Serial:     "LR4-001",
			Attributes: map[string]any{"cycleCount": float64(i)},
			Source:     "poll",
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append history: %v", err)
		}
	}

	entries, err := repo.RecentHistory(ctx, "LR4-001", 3)
	if err != nil {
		t.Fatalf("recent history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Attributes["cycleCount"] != 4.0 || entries[2].Attributes["cycleCount"] != 2.0 {
		t.Fatalf("expected newest first, got %+v", entries)
	}
	if entries[0].Source != "poll" {
		t.Fatalf("expected source preserved, got %q", entries[0].Source)
	}
}

func TestHistoryIsolatedPerSerial(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	_ = repo.AppendHistory(ctx, HistoryEntry{Serial: "A", Attributes: map[string]any{"x": 1.0}, Source: "poll"})
	_ = repo.AppendHistory(ctx, HistoryEntry{Serial: "B", Attributes: map[string]any{"x": 2.0}, Source: "push"})

	entries, err := repo.RecentHistory(ctx, "A", 10)
	if err != nil {
		t.Fatalf("recent history: %v", err)
	}
	if len(entries) != 1 || entries[0].Serial != "A" {
		t.Fatalf("expected only serial A entries, got %+v", entries)
	}
}

func TestPruneHistory(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	_ = repo.AppendHistory(ctx, HistoryEntry{Serial: "A", Attributes: map[string]any{"x": 1.0}, Source: "poll", RecordedAt: base})
	_ = repo.AppendHistory(ctx, HistoryEntry{Serial: "A", Attributes: map[string]any{"x": 2.0}, Source: "poll", RecordedAt: base.Add(time.Hour)})

	pruned, err := repo.PruneHistory(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("prune history: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected one pruned row, got %d", pruned)
	}
	entries, _ := repo.RecentHistory(ctx, "A", 10)
	if len(entries) != 1 || entries[0].Attributes["x"] != 2.0 {
		t.Fatalf("expected only the newer entry kept, got %+v", entries)
	}
}
