// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package names persists the clientId→displayName mapping beside the
// recordings directory so post-hoc processing (transcriber, uploader) can
// label audio files after the session is gone.
package names

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

type Store struct {
	mu    sync.Mutex
	path  string
	names map[string]string
}

// Load reads the store from path; a missing file yields an empty store.
func Load(path string) *Store {
	s := &Store{path: path, names: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("client names read failed", "path", path, "error", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.names); err != nil {
		slog.Warn("client names file corrupt, starting empty", "path", path, "error", err)
		s.names = make(map[string]string)
	}
	return s
}

// Set records the last-seen display name for clientId and persists.
func (s *Store) Set(clientID, displayName string) {
	if clientID == "" || displayName == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.names[clientID] == displayName {
		return
	}
	s.names[clientID] = displayName
	if err := s.flushLocked(); err != nil {
		slog.Error("client names write failed", "path", s.path, "error", err)
	}
}

// Get returns the stored display name, or "" when unknown.
func (s *Store) Get(clientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[clientID]
}

// Snapshot returns a copy of the full mapping.
func (s *Store) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.names, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
