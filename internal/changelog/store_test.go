package changelog

import (
	"context"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ChangeRecord{}, &VersionCounter{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func testRecord(workspaceID string, version int64, changeID string) ChangeRecord {
	return ChangeRecord{
		WorkspaceID:   workspaceID,
		Version:       version,
		ChangeID:      changeID,
		EntityID:      "entity-1",
		ChangeType:    ChangeTypeCreate,
		EncryptedData: "AQID",
		Nonce:         "BAUG",
		SiteID:        "site-a",
		Timestamp:     "2026-08-01T10:00:00Z",
	}
}

func TestStoreLoadEmptyWorkspace(t *testing.T) {
	store := newTestStore(t, openTestDatabase(t, "store_empty"))

	records, version, err := store.Load(context.Background(), WorkspaceID("ws-empty"))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}
	if version != 0 {
		t.Fatalf("expected version 0, got %d", version)
	}
}

func TestStoreAppendAndLoadRoundTrip(t *testing.T) {
	db := openTestDatabase(t, "store_roundtrip")
	store := newTestStore(t, db)
	workspaceID := WorkspaceID("ws-1")

	first := []ChangeRecord{
		testRecord("ws-1", 1, "change-1"),
		testRecord("ws-1", 2, "change-2"),
	}
	if err := store.Append(context.Background(), workspaceID, first, 2); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	second := []ChangeRecord{testRecord("ws-1", 3, "change-3")}
	if err := store.Append(context.Background(), workspaceID, second, 3); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	reloaded := newTestStore(t, db)
	records, version, err := reloaded.Load(context.Background(), workspaceID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected version 3, got %d", version)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for index, record := range records {
		if record.Version != int64(index+1) {
			t.Fatalf("expected contiguous versions, got %d at position %d", record.Version, index)
		}
	}
	if records[2].ChangeID != "change-3" {
		t.Fatalf("unexpected record order: %#v", records)
	}
}

func TestStoreAppendRejectsDuplicateVersions(t *testing.T) {
	db := openTestDatabase(t, "store_duplicate")
	store := newTestStore(t, db)
	workspaceID := WorkspaceID("ws-dup")

	if err := store.Append(context.Background(), workspaceID, []ChangeRecord{testRecord("ws-dup", 1, "change-1")}, 1); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	err := store.Append(context.Background(), workspaceID, []ChangeRecord{testRecord("ws-dup", 1, "change-again")}, 1)
	if err == nil {
		t.Fatalf("expected duplicate version append to fail")
	}

	records, version, loadErr := store.Load(context.Background(), workspaceID)
	if loadErr != nil {
		t.Fatalf("unexpected load error: %v", loadErr)
	}
	if len(records) != 1 || version != 1 {
		t.Fatalf("failed append must not change the log: %d records, version %d", len(records), version)
	}
}

func TestStoreLoadRecoversVersionFromRecords(t *testing.T) {
	db := openTestDatabase(t, "store_recover")
	store := newTestStore(t, db)
	workspaceID := WorkspaceID("ws-recover")

	// Simulate a log written before the counter table existed.
	seed := []ChangeRecord{
		testRecord("ws-recover", 1, "change-1"),
		testRecord("ws-recover", 2, "change-2"),
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed records: %v", err)
	}

	_, version, err := store.Load(context.Background(), workspaceID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version recovered from records, got %d", version)
	}
}

func TestStoreIsolatesWorkspaces(t *testing.T) {
	db := openTestDatabase(t, "store_isolation")
	store := newTestStore(t, db)

	if err := store.Append(context.Background(), WorkspaceID("ws-a"), []ChangeRecord{testRecord("ws-a", 1, "change-a")}, 1); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := store.Append(context.Background(), WorkspaceID("ws-b"), []ChangeRecord{
		testRecord("ws-b", 1, "change-b1"),
		testRecord("ws-b", 2, "change-b2"),
	}, 2); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	recordsA, versionA, err := store.Load(context.Background(), WorkspaceID("ws-a"))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(recordsA) != 1 || versionA != 1 {
		t.Fatalf("workspace a leaked records: %d records, version %d", len(recordsA), versionA)
	}

	recordsB, versionB, err := store.Load(context.Background(), WorkspaceID("ws-b"))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(recordsB) != 2 || versionB != 2 {
		t.Fatalf("workspace b incomplete: %d records, version %d", len(recordsB), versionB)
	}
}

func TestParseChangeType(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  ChangeType
		expectErr bool
	}{
		{name: "create", input: "create", expected: ChangeTypeCreate},
		{name: "update-mixed-case", input: " Update ", expected: ChangeTypeUpdate},
		{name: "delete", input: "delete", expected: ChangeTypeDelete},
		{name: "unknown", input: "merge", expectErr: true},
		{name: "empty", input: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseChangeType(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected parse error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected parse error: %v", err)
			}
			if parsed != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, parsed)
			}
		})
	}
}

func TestNewWorkspaceID(t *testing.T) {
	if _, err := NewWorkspaceID("  "); err == nil {
		t.Fatalf("expected error for blank workspace id")
	}
	id, err := NewWorkspaceID(" ws-ok ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "ws-ok" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}
