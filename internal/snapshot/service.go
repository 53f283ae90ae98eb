// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package snapshot implements the state snapshot service: the single writer
// of the StateSnapshot log. It publishes an atomic, hash-identified vector
// of shared operational facts on a fixed tick (or on demand) and serves the
// current snapshot fail-closed: a stale or torn snapshot is an error, never
// a degraded answer.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/telemetry"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Facts are the domain inputs folded into each snapshot generation.
type Facts struct {
	DomainRegime   string
	ActivePolicyID string
}

// FactSource supplies the domain facts for a generation tick.
type FactSource interface {
	Facts(ctx context.Context) (Facts, error)
}

// LevelSource supplies the current restriction level. Implemented by the
// mode controller.
type LevelSource interface {
	CurrentLevel(ctx context.Context) (store.ModeLevel, error)
}

// IntegritySink receives integrity faults detected by snapshot readers.
// Implemented by the mode controller; faults force a restrictive level.
type IntegritySink interface {
	ReportIntegrityFault(ctx context.Context, reason string)
}

// Config controls publication cadence and freshness bounds.
type Config struct {
	// Interval between scheduled publications.
	Interval time.Duration
	// Staleness is the maximum snapshot age Current() will serve.
	Staleness time.Duration
	// WaitTimeout bounds how long Current() may wait for an in-flight
	// generation before failing closed.
	WaitTimeout time.Duration
	// AuditWindow is how long superseded snapshots stay unarchived.
	AuditWindow time.Duration
}

// Validate applies defaults and checks bounds.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Staleness <= 0 {
		c.Staleness = 3 * c.Interval
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2 * time.Second
	}
	if c.AuditWindow <= 0 {
		c.AuditWindow = 30 * 24 * time.Hour
	}
	if c.Staleness < c.Interval {
		return wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"snapshot staleness bound %s is shorter than the publish interval %s", c.Staleness, c.Interval)
	}
	return nil
}

// Service publishes and serves state snapshots.
type Service struct {
	store     store.SnapshotStore
	facts     FactSource
	levels    LevelSource
	integrity IntegritySink
	cfg       Config
	log       *slog.Logger
	metrics   *telemetry.Metrics

	mu        sync.Mutex
	latest    *store.StateSnapshot
	version   int64
	published chan struct{}

	trigger chan struct{}
}

// New creates the service. integrity and metrics may be nil.
func New(st store.SnapshotStore, facts FactSource, levels LevelSource, integrity IntegritySink, cfg Config, log *slog.Logger, metrics *telemetry.Metrics) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     st,
		facts:     facts,
		levels:    levels,
		integrity: integrity,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		published: make(chan struct{}),
		trigger:   make(chan struct{}, 1),
	}, nil
}

// Run publishes on the configured interval until ctx is cancelled. It seeds
// the version counter from the persisted log first, so restarts stay
// monotonic.
func (s *Service) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	if _, err := s.Publish(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	archiveTicker := time.NewTicker(10 * s.cfg.Interval)
	defer archiveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Publish(ctx); err != nil {
				s.log.Error("scheduled snapshot publish failed", "error", err)
			}
		case <-s.trigger:
			if _, err := s.Publish(ctx); err != nil {
				s.log.Error("triggered snapshot publish failed", "error", err)
			}
		case <-archiveTicker.C:
			cutoff := time.Now().Add(-s.cfg.AuditWindow)
			if n, err := s.store.ArchiveSnapshotsBefore(ctx, cutoff); err != nil {
				s.log.Warn("snapshot archive pass failed", "error", err)
			} else if n > 0 {
				s.log.Debug("archived snapshots", "count", n)
			}
		}
	}
}

func (s *Service) restore(ctx context.Context) error {
	latest, err := s.store.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeSnapshotPublishFailure, "restoring snapshot log head")
	}

	s.mu.Lock()
	s.version = latest.Version
	s.mu.Unlock()
	return nil
}

// Trigger requests an event-driven publication. Non-blocking; coalesces
// with any publication already requested.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Publish generates and persists a new snapshot. All fields, including the
// restriction level, are read within the same generation tick.
func (s *Service) Publish(ctx context.Context) (*store.StateSnapshot, error) {
	facts, err := s.facts.Facts(ctx)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeSnapshotPublishFailure, "reading domain facts")
	}

	level, err := s.levels.CurrentLevel(ctx)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeSnapshotPublishFailure, "reading restriction level")
	}

	s.mu.Lock()
	version := s.version + 1
	s.mu.Unlock()

	snap := &store.StateSnapshot{
		Version:          version,
		RestrictionLevel: level,
		DomainRegime:     facts.DomainRegime,
		ActivePolicyID:   facts.ActivePolicyID,
		GeneratedAt:      time.Now(),
	}
	snap.CompositeHash = CompositeHash(snap)

	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSnapshotPublishFailure, "appending snapshot v%d", version)
	}

	s.mu.Lock()
	s.version = version
	s.latest = snap
	close(s.published)
	s.published = make(chan struct{})
	s.mu.Unlock()

	s.metrics.SetSnapshotAge(0)
	s.log.Debug("snapshot published", "version", version, "hash", snap.CompositeHash, "level", level.String())
	return cloneSnapshot(snap), nil
}

// Current returns the current snapshot. If the newest snapshot is older
// than the staleness bound, Current waits up to WaitTimeout for an in-flight
// generation, then fails closed with CodeSnapshotUnavailable. A snapshot
// whose recomputed hash mismatches is rejected as a torn read and reported
// as an integrity fault.
func (s *Service) Current(ctx context.Context) (*store.StateSnapshot, error) {
	if snap, ok, err := s.fresh(ctx); err != nil || ok {
		return snap, err
	}

	s.mu.Lock()
	published := s.published
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case <-published:
		if snap, ok, err := s.fresh(ctx); err != nil || ok {
			return snap, err
		}
	case <-timer.C:
	case <-ctx.Done():
		return nil, wardenerr.Wrap(ctx.Err(), wardenerr.CodeSnapshotUnavailable, "waiting for snapshot")
	}

	return nil, wardenerr.New(wardenerr.CodeSnapshotUnavailable, "no fresh snapshot within the staleness bound",
		wardenerr.Field("staleness_bound", s.cfg.Staleness.String()))
}

func (s *Service) fresh(ctx context.Context) (*store.StateSnapshot, bool, error) {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()

	if latest == nil {
		return nil, false, nil
	}

	age := time.Since(latest.GeneratedAt)
	s.metrics.SetSnapshotAge(age.Seconds())
	if age > s.cfg.Staleness {
		return nil, false, nil
	}

	if !Verify(latest) {
		s.log.Error("torn snapshot read", "version", latest.Version, "stored_hash", latest.CompositeHash)
		if s.integrity != nil {
			s.integrity.ReportIntegrityFault(ctx, "snapshot composite hash mismatch")
		}
		return nil, false, wardenerr.Errorf(wardenerr.CodeSnapshotTornRead,
			"snapshot v%d failed hash verification", latest.Version)
	}

	return cloneSnapshot(latest), true, nil
}

// ForensicPayload serializes the current in-memory head for inclusion in a
// forensic record. Used by the mode controller before a LOCKED transition.
func (s *Service) ForensicPayload() string {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()

	if latest == nil {
		return `{"snapshot":null}`
	}
	b, err := json.Marshal(latest)
	if err != nil {
		return `{"snapshot":"unserializable"}`
	}
	return string(b)
}

func cloneSnapshot(snap *store.StateSnapshot) *store.StateSnapshot {
	copied := *snap
	return &copied
}
