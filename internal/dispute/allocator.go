package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bidlane/bidlane/internal/notify"
)

// Judge pool policy defaults. The quorum equals the full pool, so the pool
// size must stay odd for a strict majority to exist.
const (
	DefaultPoolSize       = 3
	DefaultConcurrencyCap = 5
)

// Directory lists users with arbitrator capability.
type Directory interface {
	ListArbitrators(ctx context.Context) ([]string, error)
}

// StaticDirectory is a fixed arbitrator list for demo/testing.
type StaticDirectory []string

func (d StaticDirectory) ListArbitrators(_ context.Context) ([]string, error) {
	out := make([]string, len(d))
	copy(out, d)
	return out, nil
}

// BadgeDirectory treats every holder of the community_judge badge as an
// arbitrator. This is the production directory: judging capability is earned
// through the reputation system rather than configured by hand.
type BadgeDirectory struct {
	db *sql.DB
}

func NewBadgeDirectory(db *sql.DB) *BadgeDirectory {
	return &BadgeDirectory{db: db}
}

func (d *BadgeDirectory) ListArbitrators(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM user_badges WHERE badge_key = 'community_judge' ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// AssignJudges selects the judge pool for an open dispute and moves it to
// voting. Eligibility: arbitrator capability, not a party to the dispute,
// and sitting on fewer unresolved pools than the concurrency cap.
// Fails with ErrInsufficientJudges when fewer candidates exist than the
// pool requires; the failure is surfaced, never retried silently.
func (s *Service) AssignJudges(ctx context.Context, disputeID string) (*Case, error) {
	c, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusOpen {
		return nil, ErrInvalidState
	}

	candidates, err := s.eligibleJudges(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(candidates) < s.poolSize {
		return nil, fmt.Errorf("%w: need %d, found %d", ErrInsufficientJudges, s.poolSize, len(candidates))
	}

	// Random selection spreads load across the eligible set.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	pool := candidates[:s.poolSize]

	expected := c.Version
	now := time.Now()
	c.JudgePool = append([]string(nil), pool...)
	c.Status = StatusVoting
	c.UpdatedAt = now

	if err := s.store.UpdateVersioned(ctx, c, expected); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, c.ID, "judges_assigned", string(StatusOpen), c,
		"judge pool: "+strings.Join(pool, ", "))
	for _, judge := range pool {
		s.emit(ctx, notify.NewEvent(notify.EventJudgeAssigned, judge,
			fmt.Sprintf("You have been assigned to dispute %s", c.ID),
			map[string]any{"disputeId": c.ID}))
	}

	return c, nil
}

func (s *Service) eligibleJudges(ctx context.Context, c *Case) ([]string, error) {
	if s.directory == nil {
		return nil, errors.New("no arbitrator directory configured")
	}
	arbitrators, err := s.directory.ListArbitrators(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list arbitrators: %w", err)
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, a := range arbitrators {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		if strings.EqualFold(a, c.RaisedBy) || strings.EqualFold(a, c.AgainstUser) {
			continue
		}
		active, err := s.store.CountUnresolvedByJudge(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("failed to count active pools for %s: %w", a, err)
		}
		if active >= s.concurrencyCap {
			continue
		}
		candidates = append(candidates, a)
	}
	return candidates, nil
}
