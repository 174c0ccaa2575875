package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/runwire-dev/runwire/internal/protocol"
)

// maxFileSize caps read-file and write-file payloads.
const maxFileSize = 10 << 20 // 10 MB

// projectDir resolves a project slug to its workspace directory,
// rejecting slugs that could escape the workspace root.
func (c *Client) projectDir(slug string) (string, error) {
	if slug == "" {
		return "", fmt.Errorf("empty project slug")
	}
	if slug == "." || slug == ".." || strings.ContainsAny(slug, `/\`) {
		return "", fmt.Errorf("invalid project slug %q", slug)
	}
	return filepath.Join(c.cfg.WorkspaceDir, slug), nil
}

// resolveInProject joins rel onto the project directory and verifies the
// result stays inside it. Symlinks are not followed for the check; the
// workspace is runner-managed.
func (c *Client) resolveInProject(slug, rel string) (string, error) {
	dir, err := c.projectDir(slug)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative: %q", rel)
	}
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if full != dir && !strings.HasPrefix(full, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project workspace: %q", rel)
	}
	return full, nil
}

func (c *Client) handleReadFile(_ context.Context, cmd *protocol.Command) error {
	var req protocol.ReadFilePayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}

	full, err := c.resolveInProject(req.Slug, req.FilePath)
	if err != nil {
		return err
	}

	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("read %s: %w", req.FilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("read %s: is a directory", req.FilePath)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("read %s: file too large (%d bytes)", req.FilePath, info.Size())
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("read %s: %w", req.FilePath, err)
	}

	return c.Reply(cmd, protocol.EventFileContent, protocol.FileContentPayload{
		FilePath: req.FilePath,
		Content:  string(data),
	})
}

func (c *Client) handleWriteFile(_ context.Context, cmd *protocol.Command) error {
	var req protocol.WriteFilePayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}

	if len(req.Content) > maxFileSize {
		return fmt.Errorf("write %s: content too large (%d bytes)", req.FilePath, len(req.Content))
	}

	full, err := c.resolveInProject(req.Slug, req.FilePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", req.FilePath, err)
	}
	if err := os.WriteFile(full, []byte(req.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", req.FilePath, err)
	}

	c.log.Info().Str("slug", req.Slug).Str("path", req.FilePath).Msg("wrote file")
	return c.Reply(cmd, protocol.EventFileWritten, protocol.FileWrittenPayload{
		FilePath: req.FilePath,
	})
}

func (c *Client) handleListFiles(_ context.Context, cmd *protocol.Command) error {
	var req protocol.ListFilesPayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}

	full, err := c.resolveInProject(req.Slug, req.Path)
	if err != nil {
		return err
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return fmt.Errorf("list %s: %w", req.Path, err)
	}

	entries := make([]protocol.FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := protocol.FileEntry{
			Name:  de.Name(),
			Path:  joinSlash(req.Path, de.Name()),
			IsDir: de.IsDir(),
		}
		if !de.IsDir() {
			if info, err := de.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return c.Reply(cmd, protocol.EventFileList, protocol.FileListPayload{
		Path:    req.Path,
		Entries: entries,
	})
}

func (c *Client) handleDeleteProjectFiles(_ context.Context, cmd *protocol.Command) error {
	var req protocol.DeleteProjectFilesPayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}

	dir, err := c.projectDir(req.Slug)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete project %s: %w", req.Slug, err)
	}

	c.log.Info().Str("slug", req.Slug).Msg("deleted project workspace")
	return c.Reply(cmd, protocol.EventFilesDeleted, protocol.FilesDeletedPayload{
		Slug: req.Slug,
	})
}

// joinSlash joins listing paths with forward slashes regardless of OS,
// matching the slash-separated paths used on the wire.
func joinSlash(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimSuffix(base, "/") + "/" + name
}
