// Package reputation implements user reputation scoring for Bidlane.
//
// Reputation is driven by marketplace behavior: dispute outcomes, on-time
// settlements, and reports. Each outcome maps to a fixed score delta;
// badges mark one-time achievements and are granted at most once per user.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bidlane/bidlane/internal/audit"
	"github.com/bidlane/bidlane/internal/metrics"
	"github.com/bidlane/bidlane/internal/notify"
)

var (
	ErrNotFound     = errors.New("reputation profile not found")
	ErrUnknownBadge = errors.New("unknown badge key")
)

// Score bounds. A fresh profile starts in the middle.
const (
	MinScore   = 0
	MaxScore   = 100
	StartScore = 50
)

// outcomeDeltas maps an outcome action to its signed score delta.
// Unknown actions apply a zero delta and are a no-op, not an error.
var outcomeDeltas = map[string]int{
	"win_case":  +10,
	"lose_case": -15,
	"on_time":   +5,
	"late":      -5,
	"reported":  -10,
}

// Tier buckets a score into a human-readable level.
type Tier string

const (
	TierProbation   Tier = "probation"   // 0-19
	TierNew         Tier = "new"         // 20-39
	TierEstablished Tier = "established" // 40-59
	TierTrusted     Tier = "trusted"     // 60-79
	TierElite       Tier = "elite"       // 80-100
)

// TierFor returns the tier a score falls into.
func TierFor(score int) Tier {
	switch {
	case score < 20:
		return TierProbation
	case score < 40:
		return TierNew
	case score < 60:
		return TierEstablished
	case score < 80:
		return TierTrusted
	default:
		return TierElite
	}
}

// Profile is a user's reputation record.
type Profile struct {
	UserID    string    `json:"userId"`
	Score     int       `json:"score"`
	Tier      Tier      `json:"tier"`
	Badges    []string  `json:"badges"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Badge is a catalog entry for a one-time achievement.
type Badge struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog is the full badge catalog, keyed by badge key.
var Catalog = map[string]Badge{
	"smooth_settlement": {
		Key:         "smooth_settlement",
		Name:        "Smooth Settlement",
		Description: "Completed an escrow settlement with on-time fund release",
	},
	"first_win": {
		Key:         "first_win",
		Name:        "First Win",
		Description: "Won a dispute case",
	},
	"community_judge": {
		Key:         "community_judge",
		Name:        "Community Judge",
		Description: "Served on a dispute judge pool",
	},
	"top_rated": {
		Key:         "top_rated",
		Name:        "Top Rated",
		Description: "Reached the elite reputation tier",
	},
}

// Store persists reputation profiles and badge grants. GrantBadge must be
// idempotent: granting a badge the user already holds returns false with
// no error and no second record.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	SaveProfile(ctx context.Context, p *Profile) error
	GrantBadge(ctx context.Context, userID, badgeKey string) (bool, error)
	ListBadges(ctx context.Context, userID string) ([]string, error)
}

// Service implements reputation business logic.
type Service struct {
	store    Store
	sink     notify.Sink
	auditLog audit.Logger
	logger   *slog.Logger
}

// NewService creates a new reputation service.
func NewService(store Store, sink notify.Sink, auditLog audit.Logger, logger *slog.Logger) *Service {
	return &Service{store: store, sink: sink, auditLog: auditLog, logger: logger}
}

// Get returns a user's profile, materializing a fresh one at the start
// score if none exists yet.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return s.freshProfile(userID), nil
	}
	if err != nil {
		return nil, err
	}
	p.Tier = TierFor(p.Score)
	return p, nil
}

func (s *Service) freshProfile(userID string) *Profile {
	return &Profile{
		UserID:    userID,
		Score:     StartScore,
		Tier:      TierFor(StartScore),
		Badges:    []string{},
		UpdatedAt: time.Now(),
	}
}

// ApplyOutcome applies the fixed score delta for an outcome action and
// returns the new score. Unknown actions are a no-op returning the current
// score unchanged.
func (s *Service) ApplyOutcome(ctx context.Context, userID, action string) (int, error) {
	delta, known := outcomeDeltas[action]

	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		p = s.freshProfile(userID)
	} else if err != nil {
		return 0, err
	}
	if !known {
		s.logger.Debug("ignoring unknown reputation action", "user", userID, "action", action)
		return p.Score, nil
	}

	before := p.Score
	p.Score = clamp(p.Score+delta, MinScore, MaxScore)
	p.Tier = TierFor(p.Score)
	p.UpdatedAt = time.Now()
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return 0, fmt.Errorf("failed to save profile: %w", err)
	}

	metrics.ReputationOutcomesTotal.WithLabelValues(action).Inc()
	s.recordAudit(ctx, userID, "outcome_applied", before, p.Score,
		fmt.Sprintf("%s applied (%+d)", action, delta))
	return p.Score, nil
}

// AwardBadgeIfEligible grants a catalog badge at most once per user and
// emits exactly one notification per newly granted badge. Re-invocation
// with an already-held key is a silent no-op.
func (s *Service) AwardBadgeIfEligible(ctx context.Context, userID, badgeKey string) (bool, error) {
	badge, ok := Catalog[badgeKey]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownBadge, badgeKey)
	}

	granted, err := s.store.GrantBadge(ctx, userID, badgeKey)
	if err != nil {
		return false, fmt.Errorf("failed to grant badge: %w", err)
	}
	if !granted {
		return false, nil
	}

	metrics.BadgesGrantedTotal.WithLabelValues(badgeKey).Inc()
	s.recordAudit(ctx, userID, "badge_granted", 0, 0, "badge "+badgeKey+" granted")
	if s.sink != nil {
		event := notify.NewEvent(notify.EventBadgeGranted, userID,
			fmt.Sprintf("You earned the %q badge", badge.Name),
			map[string]any{"badgeKey": badgeKey})
		if err := s.sink.Notify(ctx, event); err != nil {
			s.logger.Warn("badge notification failed", "user", userID, "badge", badgeKey, "error", err)
		}
	}
	return true, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Service) recordAudit(ctx context.Context, userID, operation string, before, after int, description string) {
	if s.auditLog == nil {
		return
	}
	beforeJSON := audit.Snapshot(map[string]int{"score": before})
	afterJSON := audit.Snapshot(map[string]int{"score": after})
	if err := audit.Record(ctx, s.auditLog, "reputation", userID, operation, beforeJSON, afterJSON, description); err != nil {
		s.logger.Warn("audit write failed", "user", userID, "operation", operation, "error", err)
	}
}
