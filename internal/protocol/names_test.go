package protocol

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultNames_Valid(t *testing.T) {
	if err := DefaultNames().Validate(); err != nil {
		t.Fatalf("default names must be complete: %v", err)
	}
}

func TestLoadNames(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("empty path", func(t *testing.T) {
		names, err := LoadNames("")
		if err != nil {
			t.Fatal(err)
		}
		if names != DefaultNames() {
			t.Error("expected defaults")
		}
	})

	t.Run("partial override", func(t *testing.T) {
		names, err := LoadNames(write("partial.json", `{"joinRoom":"room:join","kicked":"room:kicked"}`))
		if err != nil {
			t.Fatal(err)
		}
		if names.JoinRoom != "room:join" || names.Kicked != "room:kicked" {
			t.Errorf("overrides not applied: %+v", names)
		}
		if names.ChatMessage != DefaultNames().ChatMessage {
			t.Errorf("untouched names must keep defaults, got %q", names.ChatMessage)
		}
	})

	t.Run("blanked name", func(t *testing.T) {
		_, err := LoadNames(write("blank.json", `{"pong":""}`))
		if err == nil || !strings.Contains(err.Error(), `"pong"`) {
			t.Errorf("expected error naming the blank event, got %v", err)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		if _, err := LoadNames(write("bad.json", `{`)); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadNames(filepath.Join(dir, "nope.json")); err == nil {
			t.Error("expected read error")
		}
	})
}
