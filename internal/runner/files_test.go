package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

func newBareClient(t *testing.T) *Client {
	t.Helper()
	cfg := &Config{
		BrokerURL:    "ws://127.0.0.1:1",
		RunnerID:     "r1",
		Token:        "tok",
		WorkspaceDir: t.TempDir(),
	}
	return New(cfg, zerolog.Nop(), nil)
}

func TestProjectDirRejectsBadSlugs(t *testing.T) {
	c := newBareClient(t)

	bad := []string{"", ".", "..", "a/b", `a\b`, "../escape"}
	for _, slug := range bad {
		if _, err := c.projectDir(slug); err == nil {
			t.Errorf("expected slug %q to be rejected", slug)
		}
	}

	if _, err := c.projectDir("my-project"); err != nil {
		t.Errorf("expected valid slug to pass, got %v", err)
	}
}

func TestResolveInProjectConfinement(t *testing.T) {
	c := newBareClient(t)
	root := filepath.Join(c.cfg.WorkspaceDir, "proj")

	tests := []struct {
		rel     string
		wantErr bool
	}{
		{"src/app.js", false},
		{"", false},
		{"deep/nested/file.txt", false},
		{"../sibling", true},
		{"src/../../escape", true},
		{"/etc/passwd", true},
	}

	for _, tt := range tests {
		full, err := c.resolveInProject("proj", tt.rel)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected %q to be rejected, resolved to %q", tt.rel, full)
			}
			continue
		}
		if err != nil {
			t.Errorf("expected %q to resolve, got %v", tt.rel, err)
			continue
		}
		if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
			t.Errorf("resolved path %q escapes project root %q", full, root)
		}
	}
}

func TestReadFileRoundTrip(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	dir := filepath.Join(c.cfg.WorkspaceDir, "proj", "src")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("console.log('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := mustCommand(t, protocol.CmdReadFile, "p1", protocol.ReadFilePayload{
		Slug:     "proj",
		FilePath: "src/index.js",
	})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventFileContent)
	if err != nil {
		t.Fatalf("no file-content event: %v", err)
	}
	if evt.CommandID != cmd.ID {
		t.Errorf("expected commandId %s, got %s", cmd.ID, evt.CommandID)
	}
	if evt.ProjectID != "p1" {
		t.Errorf("expected projectId p1, got %s", evt.ProjectID)
	}

	var payload protocol.FileContentPayload
	if err := evt.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.FilePath != "src/index.js" {
		t.Errorf("expected filePath src/index.js, got %q", payload.FilePath)
	}
	if payload.Content != "console.log('hi')" {
		t.Errorf("unexpected content %q", payload.Content)
	}
}

func TestReadFileMissing(t *testing.T) {
	broker := newMockBroker(t)
	newTestClient(t, broker, nil)

	cmd := mustCommand(t, protocol.CmdReadFile, "p1", protocol.ReadFilePayload{
		Slug:     "proj",
		FilePath: "nope.txt",
	})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventError)
	if err != nil {
		t.Fatalf("no error event: %v", err)
	}
	if evt.CommandID != cmd.ID {
		t.Errorf("expected commandId %s, got %s", cmd.ID, evt.CommandID)
	}

	var payload protocol.ErrorPayload
	if err := evt.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Code != "command-failed" {
		t.Errorf("expected code command-failed, got %q", payload.Code)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	cmd := mustCommand(t, protocol.CmdWriteFile, "p1", protocol.WriteFilePayload{
		Slug:     "proj",
		FilePath: "config/settings.json",
		Content:  `{"port":5173}`,
	})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventFileWritten)
	if err != nil {
		t.Fatalf("no file-written event: %v", err)
	}

	var payload protocol.FileWrittenPayload
	if err := evt.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.FilePath != "config/settings.json" {
		t.Errorf("expected filePath config/settings.json, got %q", payload.FilePath)
	}

	written, err := os.ReadFile(filepath.Join(c.cfg.WorkspaceDir, "proj", "config", "settings.json"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(written) != `{"port":5173}` {
		t.Errorf("unexpected file content %q", written)
	}
}

func TestWriteFileEscapeRejected(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	cmd := mustCommand(t, protocol.CmdWriteFile, "p1", protocol.WriteFilePayload{
		Slug:     "proj",
		FilePath: "../evil.txt",
		Content:  "nope",
	})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	if _, err := broker.WaitForEvent(testContext(t), protocol.EventError); err != nil {
		t.Fatalf("no error event: %v", err)
	}

	if _, err := os.Stat(filepath.Join(c.cfg.WorkspaceDir, "evil.txt")); !os.IsNotExist(err) {
		t.Error("escaping write must not create a file outside the project")
	}
}

func TestListFilesRoundTrip(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	dir := filepath.Join(c.cfg.WorkspaceDir, "proj", "src")
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.js"), []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := mustCommand(t, protocol.CmdListFiles, "p1", protocol.ListFilesPayload{
		Slug: "proj",
		Path: "src",
	})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventFileList)
	if err != nil {
		t.Fatalf("no file-list event: %v", err)
	}

	var payload protocol.FileListPayload
	if err := evt.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if len(payload.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(payload.Entries))
	}

	// Sorted by name: app.js, lib, main.js
	if payload.Entries[0].Name != "app.js" || payload.Entries[1].Name != "lib" || payload.Entries[2].Name != "main.js" {
		t.Errorf("unexpected entry order: %v", payload.Entries)
	}
	if !payload.Entries[1].IsDir {
		t.Error("expected lib to be a directory")
	}
	if payload.Entries[2].Size != 5 {
		t.Errorf("expected main.js size 5, got %d", payload.Entries[2].Size)
	}
	if payload.Entries[0].Path != "src/app.js" {
		t.Errorf("expected slash-joined path src/app.js, got %q", payload.Entries[0].Path)
	}
}

func TestDeleteProjectFiles(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	dir := filepath.Join(c.cfg.WorkspaceDir, "proj")
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}

	cmd := mustCommand(t, protocol.CmdDeleteProjectFiles, "p1", protocol.DeleteProjectFilesPayload{
		Slug: "proj",
	})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventFilesDeleted)
	if err != nil {
		t.Fatalf("no files-deleted event: %v", err)
	}

	var payload protocol.FilesDeletedPayload
	if err := evt.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Slug != "proj" {
		t.Errorf("expected slug proj, got %q", payload.Slug)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("project directory still exists after delete")
	}
}
