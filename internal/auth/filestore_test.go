package auth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStore_SaveAndList(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	identity := &Identity{
		ID:      "work.json",
		Name:    "work",
		Enabled: true,
		Status:  StatusActive,
		Credentials: &Credentials{
			AccessToken:  "tok-abc",
			RefreshToken: "ref-abc",
			ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			AuthMethod:   "social",
			Region:       "us-east-1",
			ProfileARN:   "arn:aws:codewhisperer:us-east-1:123:profile/x",
		},
	}

	path, err := store.Save(ctx, identity)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if path != filepath.Join(dir, "work.json") {
		t.Errorf("unexpected path %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat saved blob: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("blob permissions = %o, want 600", perm)
	}

	// No temp files may survive the atomic write.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}

	loaded, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != "work.json" || got.Name != "work" {
		t.Errorf("identity identity fields: %+v", got)
	}
	if !got.Enabled {
		t.Error("identity should load enabled")
	}
	if got.Credentials.AccessToken != "tok-abc" || got.Credentials.RefreshToken != "ref-abc" {
		t.Errorf("credentials did not round-trip: %+v", got.Credentials)
	}
	if got.Credentials.ProfileARN == "" {
		t.Error("profileArn lost in round-trip")
	}
}

func TestFileStore_DisabledFlagRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	identity := &Identity{
		ID:          "a.json",
		Enabled:     false,
		Credentials: &Credentials{AccessToken: "tok"},
	}
	if _, err := store.Save(ctx, identity); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	loaded, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(loaded))
	}
	if loaded[0].Enabled {
		t.Error("disabled flag lost in round-trip")
	}
}

func TestFileStore_ListSkipsMalformedAndEmptyBlobs(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.json"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenless.json"), []byte(`{"region":"us-east-1"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "good.json"), []byte(`{"accessToken":"tok"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "good.json" {
		t.Fatalf("expected only good.json, got %+v", loaded)
	}
}

func TestFileStore_ListMissingDirReturnsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist"))
	loaded, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() on missing dir should not error, got %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty pool, got %d", len(loaded))
	}
}

func TestFileStore_Delete(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	identity := &Identity{ID: "a.json", Enabled: true, Credentials: &Credentials{AccessToken: "tok"}}
	if _, err := store.Save(ctx, identity); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "a.json"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.json")); !os.IsNotExist(err) {
		t.Error("blob still present after delete")
	}
	// Deleting a missing blob is not an error.
	if err := store.Delete(ctx, "a.json"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestFileStore_NestedBlobsKeepRelativeIDs(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	sub := filepath.Join(dir, "team-a")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "alice.json"), []byte(`{"accessToken":"tok"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(loaded))
	}
	if loaded[0].ID != filepath.Join("team-a", "alice.json") {
		t.Errorf("nested id = %q", loaded[0].ID)
	}
}
