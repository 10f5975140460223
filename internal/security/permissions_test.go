package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSecureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "lib", "hookdeploy")

	if err := CreateSecureDir(path, PermDataDir); err != nil {
		t.Fatalf("CreateSecureDir() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("directory was not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("CreateSecureDir() did not create a directory")
	}
	if got := info.Mode().Perm(); got != PermDataDir {
		t.Errorf("directory permissions = %04o, want %04o", got, PermDataDir)
	}

	// Existing directories are tightened.
	if err := os.Chmod(path, 0777); err != nil {
		t.Fatal(err)
	}
	if err := CreateSecureDir(path, PermDataDir); err != nil {
		t.Fatalf("CreateSecureDir() on existing dir error = %v", err)
	}
	info, _ = os.Stat(path)
	if got := info.Mode().Perm(); got != PermDataDir {
		t.Errorf("existing directory permissions = %04o, want %04o", got, PermDataDir)
	}
}

func TestOpenAppendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hookdeploy.log")

	f, err := OpenAppendFile(path, PermLogFile)
	if err != nil {
		t.Fatalf("OpenAppendFile() error = %v", err)
	}
	if _, err := f.WriteString("first\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	f, err = OpenAppendFile(path, PermLogFile)
	if err != nil {
		t.Fatalf("OpenAppendFile() reopen error = %v", err)
	}
	if _, err := f.WriteString("second\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "first\nsecond\n" {
		t.Errorf("file content = %q, want both lines appended", content)
	}

	info, _ := os.Stat(path)
	if IsWorldReadable(info.Mode().Perm()) {
		t.Errorf("log file should not be world-readable, got %04o", info.Mode().Perm())
	}
}

func TestEnsureFileMode(t *testing.T) {
	tests := []struct {
		name    string
		initial os.FileMode
		want    os.FileMode
	}{
		{"too open is tightened", 0644, PermDBFile},
		{"world writable is tightened", 0666, PermDBFile},
		{"already strict is kept", 0600, 0600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "audit.db")
			if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(path, tt.initial); err != nil {
				t.Fatal(err)
			}

			if err := EnsureFileMode(path, PermDBFile); err != nil {
				t.Fatalf("EnsureFileMode() error = %v", err)
			}

			info, _ := os.Stat(path)
			if got := info.Mode().Perm(); got != tt.want {
				t.Errorf("permissions = %04o, want %04o", got, tt.want)
			}
		})
	}

	if err := EnsureFileMode("/nonexistent/audit.db", PermDBFile); err == nil {
		t.Error("EnsureFileMode() should fail for a missing file")
	}
}

func TestIsWorldReadable(t *testing.T) {
	tests := []struct {
		perm os.FileMode
		want bool
	}{
		{0600, false},
		{0640, false},
		{0644, true},
		{0755, true},
		{0700, false},
	}

	for _, tt := range tests {
		if got := IsWorldReadable(tt.perm); got != tt.want {
			t.Errorf("IsWorldReadable(%04o) = %v, want %v", tt.perm, got, tt.want)
		}
	}
}

func TestIsWorldWritable(t *testing.T) {
	tests := []struct {
		perm os.FileMode
		want bool
	}{
		{0600, false},
		{0644, false},
		{0666, true},
		{0777, true},
		{0662, true},
	}

	for _, tt := range tests {
		if got := IsWorldWritable(tt.perm); got != tt.want {
			t.Errorf("IsWorldWritable(%04o) = %v, want %v", tt.perm, got, tt.want)
		}
	}
}

func TestValidateSecurePermissions(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		perm    os.FileMode
		wantErr bool
	}{
		{"key 0600", 0600, false},
		{"group readable 0640", 0640, false},
		{"owner only 0700", 0700, false},
		{"world readable 0644", 0644, true},
		{"world writable 0666", 0666, true},
		{"wide open 0777", 0777, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, "key-"+tt.name)
			if err := os.WriteFile(path, []byte("key"), 0600); err != nil {
				t.Fatal(err)
			}
			// Chmod bypasses the umask applied by WriteFile.
			if err := os.Chmod(path, tt.perm); err != nil {
				t.Fatal(err)
			}

			err := ValidateSecurePermissions(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecurePermissions() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateSecurePermissions("/nonexistent/key"); err == nil {
		t.Error("ValidateSecurePermissions() should fail for a missing file")
	}
}
