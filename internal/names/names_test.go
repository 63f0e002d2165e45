// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package names

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_names.json")

	s := Load(path)
	s.Set("aaaaaaaa", "Alice")
	s.Set("bbbbbbbb", "Bob")
	assert.Equal(t, "Alice", s.Get("aaaaaaaa"))

	// A fresh load sees what the first store wrote.
	s2 := Load(path)
	assert.Equal(t, "Alice", s2.Get("aaaaaaaa"))
	assert.Equal(t, "Bob", s2.Get("bbbbbbbb"))
	assert.Equal(t, "", s2.Get("cccccccc"))
}

func TestMissingFileStartsEmpty(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Empty(t, s.Snapshot())
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_names.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	s := Load(path)
	assert.Empty(t, s.Snapshot())
}

func TestEmptyArgumentsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_names.json")
	s := Load(path)
	s.Set("", "Alice")
	s.Set("aaaaaaaa", "")
	assert.Empty(t, s.Snapshot())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "client_names.json"))
	s.Set("aaaaaaaa", "Alice")

	snap := s.Snapshot()
	snap["aaaaaaaa"] = "Mallory"
	assert.Equal(t, "Alice", s.Get("aaaaaaaa"))
}
