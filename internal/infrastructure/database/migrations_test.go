package database

import "testing"

// TestParseMigrationFilename verifies migration filename parsing.
func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantName    string
		wantOK      bool
	}{
		{"valid", "001_usage_history.sql", "001", "usage_history", true},
		{"multiword name", "002_auth_records_index.sql", "002", "auth_records_index", true},
		{"no underscore", "001.sql", "", "", false},
		{"empty name", "001_.sql", "", "", false},
		{"empty version", "_usage.sql", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, name, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("parseMigrationFilename(%q) ok = %v, want %v", tt.filename, ok, tt.wantOK)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
		})
	}
}
