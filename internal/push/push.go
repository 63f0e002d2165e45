// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package push notifies subscribed clients when someone starts
// transmitting. Subscriptions outlive their session and are pruned only
// when the push gateway reports them gone.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Service struct {
	mu   sync.Mutex
	subs map[string]*webpush.Subscription

	publicKey  string
	privateKey string
	subject    string

	logger *slog.Logger
}

// New builds the service. With empty VAPID keys it stays inert: Subscribe
// stores nothing and Notify is a no-op.
func New(publicKey, privateKey, subject string) *Service {
	return &Service{
		subs:       make(map[string]*webpush.Subscription),
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
		logger:     slog.With("component", "push"),
	}
}

func (s *Service) Enabled() bool {
	return s.publicKey != "" && s.privateKey != ""
}

func (s *Service) PublicKey() string {
	return s.publicKey
}

// Subscribe registers or replaces the subscription for clientID.
func (s *Service) Subscribe(clientID string, raw json.RawMessage) {
	if !s.Enabled() {
		return
	}
	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil || sub.Endpoint == "" {
		s.logger.Warn("rejecting malformed push subscription", "client_id", clientID, "error", err)
		return
	}
	s.mu.Lock()
	s.subs[clientID] = &sub
	s.mu.Unlock()
	s.logger.Debug("push subscription stored", "client_id", clientID)
}

// Count returns the number of live subscriptions.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// NotifyTransmission pushes a "someone is talking" payload to every
// subscriber except the speaker. Sends run in the calling goroutine; call
// from a worker, not the signaling path.
func (s *Service) NotifyTransmission(speakerID, speakerName string) {
	if !s.Enabled() {
		return
	}

	s.mu.Lock()
	targets := make(map[string]*webpush.Subscription, len(s.subs))
	for id, sub := range s.subs {
		if id == speakerID {
			continue
		}
		targets[id] = sub
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"type":        "transmission",
		"speaker":     speakerID,
		"speakerName": speakerName,
	})
	if err != nil {
		return
	}

	for id, sub := range targets {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			Subscriber:      s.subject,
			VAPIDPublicKey:  s.publicKey,
			VAPIDPrivateKey: s.privateKey,
			TTL:             30,
		})
		if err != nil {
			s.logger.Warn("push send failed", "client_id", id, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			s.logger.Info("push subscription gone, pruned", "client_id", id, "status", resp.StatusCode)
		}
	}
}
