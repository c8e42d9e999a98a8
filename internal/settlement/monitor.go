package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bidlane/bidlane/internal/metrics"
	"github.com/bidlane/bidlane/internal/notify"
)

// HealthFlag marks a contract as stalled. Flags are derived on each sweep
// and never persisted.
type HealthFlag struct {
	ContractID string   `json:"contractId"`
	Issues     []string `json:"issues"`
}

// Health issue labels.
const (
	IssueNotDelivered  = "not-delivered-7d"
	IssueNotReleased   = "delivered-not-released-2d"
	issuePayoutsPrefix = "payouts-pending:"
)

// Sweep evaluates every unsettled contract against the stall rules and
// returns the contracts carrying at least one issue. It only reads; turning
// new flags into deduplicated notifications is the Monitor's job.
func (s *Service) Sweep(ctx context.Context, now time.Time) ([]HealthFlag, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	contracts, err := s.store.ListUnsettled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}

	var flags []HealthFlag
	for _, c := range contracts {
		issues, err := s.contractIssues(ctx, c, now)
		if err != nil {
			return nil, err
		}
		if len(issues) > 0 {
			flags = append(flags, HealthFlag{ContractID: c.ID, Issues: issues})
		}
	}
	return flags, nil
}

// contractIssues applies the stall rules to one contract. The rules are
// independent; a contract may carry several issues at once.
func (s *Service) contractIssues(ctx context.Context, c *Contract, now time.Time) ([]string, error) {
	var issues []string
	if c.DeliveredAt == nil && now.Sub(c.CreatedAt) > s.deliveryDeadline {
		issues = append(issues, IssueNotDelivered)
	}
	if c.DeliveredAt != nil && !c.FundsReleased && now.Sub(*c.DeliveredAt) > s.releaseDeadline {
		issues = append(issues, IssueNotReleased)
	}
	if c.FundsReleased {
		entries, err := s.ledger.List(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if pending := PendingPayouts(c, entries); pending > 0 {
			issues = append(issues, fmt.Sprintf("%s%d", issuePayoutsPrefix, pending))
		}
	}
	return issues, nil
}

// Monitor runs the health sweep on a fixed cadence. It deduplicates
// notifications by (contract, issue set): an unchanged issue set does not
// renotify on the next sweep. Stop waits for an in-flight sweep to finish.
type Monitor struct {
	svc      *Service
	sink     notify.Sink
	logger   *slog.Logger
	interval time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	seen map[string]string // contractID -> issue signature

	stopCh  chan struct{}
	stopped chan struct{}
	started atomic.Bool
	once    sync.Once
}

// NewMonitor creates a health monitor sweeping at the given interval.
func NewMonitor(svc *Service, sink notify.Sink, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		svc:      svc,
		sink:     sink,
		logger:   logger,
		interval: interval,
		clock:    time.Now,
		seen:     make(map[string]string),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// WithClock overrides the time source. For tests.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Start launches the sweep loop in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.started.Store(true)
	go m.loop(ctx)
	m.logger.Info("escrow health monitor started", "interval", m.interval)
}

// Stop terminates the loop after any in-flight sweep completes. Safe to
// call even when Start never ran.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.stopped
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and emits notifications for contracts
// whose issue set changed since the previous sweep.
func (m *Monitor) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health sweep panicked", "panic", r)
		}
	}()

	flags, err := m.svc.Sweep(ctx, m.clock())
	if err != nil {
		m.logger.Error("health sweep failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := make(map[string]string, len(flags))
	for _, f := range flags {
		sig := strings.Join(f.Issues, ",")
		current[f.ContractID] = sig
		if m.seen[f.ContractID] == sig {
			continue
		}
		for _, issue := range f.Issues {
			metrics.HealthFlagsTotal.WithLabelValues(issueLabel(issue)).Inc()
		}
		m.notifyFlag(ctx, f)
	}
	// A contract whose issues cleared can renotify if they come back.
	m.seen = current
}

func (m *Monitor) notifyFlag(ctx context.Context, f HealthFlag) {
	if m.sink == nil {
		return
	}
	c, err := m.svc.Get(ctx, f.ContractID)
	if err != nil {
		m.logger.Warn("flagged contract vanished", "contract", f.ContractID, "error", err)
		return
	}
	msg := fmt.Sprintf("Settlement for contract %s is stalled: %s", f.ContractID, strings.Join(f.Issues, ", "))
	data := map[string]any{"contractId": f.ContractID, "issues": f.Issues}
	recipients := []string{c.Buyer, c.Seller}
	if c.HasLender() {
		recipients = append(recipients, c.Lender)
	}
	for _, user := range recipients {
		if err := m.sink.Notify(ctx, notify.NewEvent(notify.EventHealthFlag, user, msg, data)); err != nil {
			m.logger.Warn("health flag notification failed", "contract", f.ContractID, "user", user, "error", err)
		}
	}
}

// issueLabel strips the variable count off the payouts issue so the metric
// label stays low-cardinality.
func issueLabel(issue string) string {
	if strings.HasPrefix(issue, issuePayoutsPrefix) {
		return "payouts-pending"
	}
	return issue
}
