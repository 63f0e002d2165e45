// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package push

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledServiceIsInert(t *testing.T) {
	s := New("", "", "mailto:admin@localhost")

	assert.False(t, s.Enabled())
	s.Subscribe("aaaa1111", json.RawMessage(`{"endpoint":"https://push.example/x"}`))
	assert.Zero(t, s.Count())

	// Must not panic or touch the network with no subscribers.
	s.NotifyTransmission("aaaa1111", "Alice")
}

func TestSubscribeValidation(t *testing.T) {
	s := New("pub", "priv", "mailto:admin@localhost")
	assert.True(t, s.Enabled())

	s.Subscribe("aaaa1111", json.RawMessage(`not json`))
	assert.Zero(t, s.Count())

	s.Subscribe("aaaa1111", json.RawMessage(`{"keys":{"auth":"x","p256dh":"y"}}`))
	assert.Zero(t, s.Count(), "missing endpoint must be rejected")

	s.Subscribe("aaaa1111", json.RawMessage(`{"endpoint":"https://push.example/x","keys":{"auth":"x","p256dh":"y"}}`))
	assert.Equal(t, 1, s.Count())

	// Re-subscribing replaces, not duplicates.
	s.Subscribe("aaaa1111", json.RawMessage(`{"endpoint":"https://push.example/y","keys":{"auth":"x","p256dh":"y"}}`))
	assert.Equal(t, 1, s.Count())
}
