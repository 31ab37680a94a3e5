package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestNormalizeCommand(t *testing.T) {
	out, err := execute(t, "normalize", "0712345678", "+1 (415) 555-0100", "n/a")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	for _, want := range []string{
		"0712345678\t+255712345678\n",
		"+1 (415) 555-0100\t+14155550100\n",
		"n/a\t(empty)\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNormalizeCommand_CountryAndEmail(t *testing.T) {
	out, err := execute(t, "normalize", "--country", "254", "0712345678")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(out, "+254712345678") {
		t.Errorf("expected Kenyan number, got %q", out)
	}

	out, err = execute(t, "normalize", "--email", " Guest@Example.COM ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(out, "guest@example.com") {
		t.Errorf("expected lowercased email, got %q", out)
	}
}

func TestRenderCommand(t *testing.T) {
	out, err := execute(t, "render", "event_reminder",
		"--params", `{"guestName":"Asha","eventName":"Gala","eventDate":"1 Nov"}`)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, section := range []string{"== SMS", "== Email subject", "== Email HTML", "== WhatsApp"} {
		if !strings.Contains(out, section) {
			t.Errorf("output missing section %q", section)
		}
	}
	if !strings.Contains(out, "Asha") {
		t.Errorf("rendered output does not mention the guest:\n%s", out)
	}
}

func TestRenderCommand_Errors(t *testing.T) {
	if _, err := execute(t, "render", "no_such_template"); err == nil {
		t.Error("expected error for unknown template")
	}
	if _, err := execute(t, "render", "event_reminder", "--params", `{"guestName":"Asha"}`); err == nil {
		t.Error("expected error for incomplete params")
	}
}

func TestTemplatesCommand(t *testing.T) {
	out, err := execute(t, "templates")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	if !strings.Contains(out, "event_invitation") || !strings.Contains(out, "guest_checkin") {
		t.Errorf("unexpected template list:\n%s", out)
	}
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "9999_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(names) != 2 || names[0] != "0001_a.up.sql" || names[1] != "0002_b.up.sql" {
		t.Errorf("names = %v", names)
	}

	if _, err := migrationFiles(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestShippedMigrationsAreListed(t *testing.T) {
	names, err := migrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_communications.up.sql" {
		t.Errorf("names = %v", names)
	}
}
