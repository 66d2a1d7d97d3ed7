package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewNodeID(t *testing.T) {
	id1, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID() error = %v", err)
	}
	if id1.IsZero() {
		t.Error("generated ID is zero")
	}

	id2, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID() second call error = %v", err)
	}
	if id1 == id2 {
		t.Error("two generated IDs are identical")
	}
}

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid lowercase", "0123456789abcdef0123456789abcdef", false},
		{"valid uppercase", "0123456789ABCDEF0123456789ABCDEF", false},
		{"with 0x prefix", "0x0123456789abcdef0123456789abcdef", false},
		{"with whitespace", "  0123456789abcdef0123456789abcdef  ", false},
		{"too short", "0123456789abcdef", true},
		{"too long", "0123456789abcdef0123456789abcdef00", true},
		{"invalid hex", "zzzz456789abcdef0123456789abcdef", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseNodeID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseNodeID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && id.IsZero() {
				t.Error("parsed ID is zero")
			}
		})
	}
}

func TestNodeID_StringRoundTrip(t *testing.T) {
	id, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID() error = %v", err)
	}

	parsed, err := ParseNodeID(id.String())
	if err != nil {
		t.Fatalf("ParseNodeID(String()) error = %v", err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: %s != %s", parsed, id)
	}

	if len(id.ShortString()) != 8 {
		t.Errorf("ShortString length = %d, want 8", len(id.ShortString()))
	}
}

func TestNodeID_StoreLoad(t *testing.T) {
	tmpDir := t.TempDir()

	id, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID() error = %v", err)
	}

	if err := id.Store(tmpDir); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// File permissions should be restrictive
	info, err := os.Stat(filepath.Join(tmpDir, idFileName))
	if err != nil {
		t.Fatalf("stat ID file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("ID file permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != id {
		t.Errorf("loaded ID %s != stored ID %s", loaded, id)
	}
}

func TestNodeID_StoreZero(t *testing.T) {
	if err := ZeroID.Store(t.TempDir()); err == nil {
		t.Error("storing zero ID should fail")
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir := t.TempDir()

	id1, created, err := LoadOrCreate(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created {
		t.Error("first call should create a new ID")
	}

	id2, created, err := LoadOrCreate(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreate() second call error = %v", err)
	}
	if created {
		t.Error("second call should load the existing ID")
	}
	if id1 != id2 {
		t.Errorf("loaded ID %s != created ID %s", id2, id1)
	}

	if !Exists(tmpDir) {
		t.Error("Exists() should return true after create")
	}
}

func TestExists_EmptyDir(t *testing.T) {
	if Exists(t.TempDir()) {
		t.Error("Exists() should return false for empty directory")
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, idFileName)
	if err := os.WriteFile(path, []byte("not-hex\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("loading corrupt ID file should fail")
	} else if !strings.Contains(err.Error(), "invalid") {
		t.Errorf("unexpected error: %v", err)
	}
}
