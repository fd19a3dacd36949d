// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ignore is a minimal git-style path matcher: a fixed default
// pattern set plus the lines of an optional .pearsyncignore file, matched
// against both path components and basenames. No gitignore engine appears
// anywhere in the retrieved corpus, so this one component is necessarily
// built on path/filepath's own glob matching rather than an imported
// library.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultPatterns are always in effect, independent of any ignore file.
var DefaultPatterns = []string{
	"node_modules",
	".git",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
	"*~",
	".env",
	".env.local",
	".pearsyncignore",
}

// FileName is the workspace-root ignore file that augments DefaultPatterns.
const FileName = ".pearsyncignore"

// Matcher answers whether a workspace-relative path should be excluded
// from both push and pull.
type Matcher struct {
	patterns []string
}

// Load builds a Matcher from DefaultPatterns plus FileName at root, if
// present. A missing ignore file is not an error.
func Load(root string) (*Matcher, error) {
	m := &Matcher{patterns: append([]string(nil), DefaultPatterns...)}

	file, err := os.Open(filepath.Join(root, FileName))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.patterns = append(m.patterns, line)
	}
	return m, scanner.Err()
}

// New builds a Matcher from an explicit pattern list, bypassing disk I/O;
// useful for tests.
func New(patterns []string) *Matcher {
	m := &Matcher{patterns: append([]string(nil), DefaultPatterns...)}
	m.patterns = append(m.patterns, patterns...)
	return m
}

// Match reports whether relPath (slash-separated, relative to the
// workspace root) is excluded by any effective pattern. A pattern ending
// in "/" matches only directories (and everything under them); otherwise
// it is matched against both the full relative path and each path
// component's basename.
func (m *Matcher) Match(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	components := strings.Split(relPath, "/")

	for _, pattern := range m.patterns {
		dirOnly := strings.HasSuffix(pattern, "/")
		pattern = strings.TrimSuffix(pattern, "/")

		if matchesPattern(pattern, relPath) {
			return true
		}
		if dirOnly {
			for _, component := range components[:len(components)-1] {
				if matchesPattern(pattern, component) {
					return true
				}
			}
			continue
		}
		for _, component := range components {
			if matchesPattern(pattern, component) {
				return true
			}
		}
	}
	return false
}

func matchesPattern(pattern, candidate string) bool {
	if ok, err := path.Match(pattern, candidate); err == nil && ok {
		return true
	}
	return pattern == candidate
}
