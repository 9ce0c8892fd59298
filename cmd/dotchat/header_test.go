package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Files that carry the license header must name this project.
func TestLicenseHeadersNameProject(t *testing.T) {
	root := filepath.Join("..", "..")
	var withHeader []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), "_") || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		head := string(data)
		if i := strings.Index(head, "\npackage "); i >= 0 {
			head = head[:i]
		}
		if !strings.Contains(head, "License:") {
			return nil
		}
		withHeader = append(withHeader, path)
		if !strings.HasPrefix(head, "// dotchat - ") || !strings.Contains(head, "dotchat contributors") {
			t.Errorf("%s: license header does not name dotchat:\n%s", path, head)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk source tree: %v", err)
	}
	if len(withHeader) == 0 {
		t.Fatal("expected at least one file with a license header")
	}
}
