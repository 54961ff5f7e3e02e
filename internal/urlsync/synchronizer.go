// Package urlsync keeps the filter model and the address bar in agreement.
// The address bar is authoritative on load and on history navigation.
package urlsync

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/qbanksync/internal/filter"
)

type Synchronizer struct {
	codec    filter.Codec
	location Location
	logger   *zap.Logger

	mu      sync.Mutex
	current filter.Spec
}

// New parses the current address into the initial model.
func New(codec filter.Codec, location Location, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		codec:    codec,
		location: location,
		logger:   logger,
		current:  codec.Parse(location.Query()),
	}
}

func (s *Synchronizer) Current() filter.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Publish stores spec as the model and pushes it to the address bar unless
// the address already describes the same view.
func (s *Synchronizer) Publish(spec filter.Spec) (filter.Spec, bool) {
	spec = s.codec.Normalize(spec)
	target := s.codec.Encode(spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = spec
	if s.codec.Canonical(s.location.Query()) == target {
		return spec, false
	}
	s.location.Push(target)
	s.logger.Debug("address updated", zap.String("query", target))
	return spec, true
}

// Navigated is called after the address changed outside the model (history
// navigation, deep link). It reports whether the model was overwritten.
func (s *Synchronizer) Navigated() (filter.Spec, bool) {
	parsed := s.codec.Parse(s.location.Query())

	s.mu.Lock()
	defer s.mu.Unlock()
	if parsed == s.current {
		return s.current, false
	}
	s.current = parsed
	s.logger.Debug("model replaced from address", zap.String("query", s.codec.Encode(parsed)))
	return parsed, true
}
