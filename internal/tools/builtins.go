package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/vigil/internal/store"
)

const readFileCap = 32 * 1024

// RegisterBuiltins adds the non-sandbox tools: workspace file access and
// message archive search. All paths are confined to the workspace root.
func RegisterBuiltins(r *Registry, workspace string, st *store.Store) {
	r.Register(Tool{
		Name:        "read_file",
		Description: "read a file from the agent workspace",
		Run: func(ctx context.Context, args string) (string, error) {
			path, err := confine(workspace, args)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > readFileCap {
				return string(data[:readFileCap]) + "\n[truncated]", nil
			}
			return string(data), nil
		},
	})

	r.Register(Tool{
		Name:        "list_dir",
		Description: "list a directory in the agent workspace",
		Run: func(ctx context.Context, args string) (string, error) {
			path, err := confine(workspace, args)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	})

	r.Register(Tool{
		Name:        "search_messages",
		Description: "full-text search over the conversation archive",
		Run: func(ctx context.Context, args string) (string, error) {
			query := strings.TrimSpace(args)
			if query == "" {
				return "", fmt.Errorf("empty search query")
			}
			msgs, err := st.SearchMessages(query, 10)
			if err != nil {
				return "", err
			}
			if len(msgs) == 0 {
				return "no matches", nil
			}
			var b strings.Builder
			for _, m := range msgs {
				ts := time.UnixMilli(m.TS).Format("2006-01-02 15:04")
				fmt.Fprintf(&b, "[%s] %s: %s\n", ts, m.Sender, m.Body)
			}
			return b.String(), nil
		},
	})
}

// confine resolves a user-supplied path inside root, rejecting escapes.
func confine(root, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "." {
		return root, nil
	}
	if filepath.IsAbs(raw) {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	abs, err := filepath.Abs(filepath.Join(root, raw))
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	return abs, nil
}
