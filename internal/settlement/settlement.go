// Package settlement owns escrow contracts and the fund-release decision.
//
// A contract moves through signing, activation, delivery, title transfer and
// inspection. Funds leave escrow through exactly one gate: ReleaseFunds
// re-evaluates every precondition and flips fundsReleased with a conditional
// write, so a manual retry racing a scheduled trigger cannot pay out twice.
// Every settlement milestone lands in an append-only ledger; a contract's
// payout status is derivable by folding over its entries.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bidlane/bidlane/internal/audit"
	"github.com/bidlane/bidlane/internal/idgen"
	"github.com/bidlane/bidlane/internal/metrics"
	"github.com/bidlane/bidlane/internal/notify"
)

var (
	ErrNotFound        = errors.New("contract not found")
	ErrInvalidState    = errors.New("invalid contract state for this operation")
	ErrUnauthorized    = errors.New("not a party to this contract")
	ErrReleaseBlocked  = errors.New("fund release blocked")
	ErrVersionConflict = errors.New("contract was modified concurrently, retry the operation")

	// ErrDependencyUnavailable means a collaborator the gate must consult
	// could not answer. The gate fails closed rather than releasing funds
	// on incomplete information.
	ErrDependencyUnavailable = errors.New("required dependency unavailable")
)

// ContractType distinguishes the settlement terms.
type ContractType string

const (
	TypeStandard    ContractType = "standard"
	TypeNonRecourse ContractType = "non_recourse"
	TypeConditional ContractType = "conditional"
)

// ValidContractType reports whether t names a known contract type.
func ValidContractType(t ContractType) bool {
	return t == TypeStandard || t == TypeNonRecourse || t == TypeConditional
}

// Default stall thresholds, overridable through WithDeadlines.
const (
	DefaultDeliveryDeadline = 7 * 24 * time.Hour
	DefaultReleaseDeadline  = 2 * 24 * time.Hour
)

// Contract is an escrow contract record.
type Contract struct {
	ID               string       `json:"id"`
	TxnKind          string       `json:"txnKind"`
	TxnID            string       `json:"txnId"`
	Buyer            string       `json:"buyer"`
	Seller           string       `json:"seller"`
	Lender           string       `json:"lender,omitempty"`
	ContractType     ContractType `json:"contractType"`
	AmountCents      int64        `json:"amountCents"`
	SignedByBuyer    bool         `json:"signedByBuyer"`
	SignedBySeller   bool         `json:"signedBySeller"`
	SignedByLender   bool         `json:"signedByLender"`
	Activated        bool         `json:"activated"`
	Complete         bool         `json:"complete"`
	TitleVerified    bool         `json:"titleVerified"`
	WaiverAccepted   bool         `json:"waiverAccepted"`
	InspectionPassed bool         `json:"inspectionPassed"`
	DeliveredAt      *time.Time   `json:"deliveredAt,omitempty"`
	FundsReleased    bool         `json:"fundsReleased"`
	ReleasedAt       *time.Time   `json:"releasedAt,omitempty"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// HasLender reports whether a lender party participates in the contract.
func (c *Contract) HasLender() bool {
	return c.Lender != ""
}

// FullySigned reports whether every required signature is present. The
// lender signature is required only when a lender party exists.
func (c *Contract) FullySigned() bool {
	if !c.SignedByBuyer || !c.SignedBySeller {
		return false
	}
	if c.HasLender() && !c.SignedByLender {
		return false
	}
	return true
}

// Store persists escrow contracts. UpdateVersioned is a compare-and-swap:
// it must fail with ErrVersionConflict when the stored version differs
// from expectedVersion, and must bump the version on success.
// ListUnsettled returns contracts that may still need settlement attention;
// implementations may over-approximate, the health sweep re-checks every rule.
type Store interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	UpdateVersioned(ctx context.Context, c *Contract, expectedVersion int64) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Contract, error)
	ListUnsettled(ctx context.Context) ([]*Contract, error)
}

// DisputeChecker reports dispute activity on the underlying transaction.
// The settlement package does not import the dispute package directly.
type DisputeChecker interface {
	HasBlockingDispute(ctx context.Context, txnKind, txnID, recipient string) (open bool, adverse bool, err error)
}

// ReputationRecorder applies reputation side effects of settlements.
type ReputationRecorder interface {
	ApplyOutcome(ctx context.Context, userID, action string) (int, error)
}

// BadgeGranter grants idempotent achievement badges.
type BadgeGranter interface {
	AwardBadgeIfEligible(ctx context.Context, userID, badgeKey string) (bool, error)
}

// CreateRequest contains the parameters for forming a contract.
type CreateRequest struct {
	TxnKind      string       `json:"txnKind" binding:"required"`
	TxnID        string       `json:"txnId" binding:"required"`
	Buyer        string       `json:"buyer" binding:"required"`
	Seller       string       `json:"seller" binding:"required"`
	Lender       string       `json:"lender"`
	ContractType ContractType `json:"contractType" binding:"required"`
	AmountCents  int64        `json:"amountCents" binding:"required"`
}

// Service implements escrow settlement business logic.
type Service struct {
	store    Store
	ledger   LedgerStore
	disputes DisputeChecker
	sink     notify.Sink
	auditLog audit.Logger
	recorder ReputationRecorder
	badges   BadgeGranter
	logger   *slog.Logger

	deliveryDeadline time.Duration
	releaseDeadline  time.Duration
}

// NewService creates a new settlement service.
func NewService(store Store, ledger LedgerStore, disputes DisputeChecker, sink notify.Sink, auditLog audit.Logger, logger *slog.Logger) *Service {
	return &Service{
		store:            store,
		ledger:           ledger,
		disputes:         disputes,
		sink:             sink,
		auditLog:         auditLog,
		logger:           logger,
		deliveryDeadline: DefaultDeliveryDeadline,
		releaseDeadline:  DefaultReleaseDeadline,
	}
}

// WithRecorder adds a reputation recorder for release side effects.
func (s *Service) WithRecorder(r ReputationRecorder) *Service {
	s.recorder = r
	return s
}

// WithBadges adds a badge granter for release side effects.
func (s *Service) WithBadges(b BadgeGranter) *Service {
	s.badges = b
	return s
}

// WithDeadlines overrides the delivery and release stall thresholds.
func (s *Service) WithDeadlines(delivery, release time.Duration) *Service {
	if delivery > 0 {
		s.deliveryDeadline = delivery
	}
	if release > 0 {
		s.releaseDeadline = release
	}
	return s
}

// Create forms a new escrow contract. No funds move until activation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Contract, error) {
	if !ValidContractType(req.ContractType) {
		return nil, fmt.Errorf("unknown contract type %q", req.ContractType)
	}
	if req.AmountCents <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if strings.EqualFold(req.Buyer, req.Seller) {
		return nil, errors.New("buyer and seller must be distinct")
	}

	now := time.Now()
	c := &Contract{
		ID:           idgen.WithPrefix("ctr_"),
		TxnKind:      req.TxnKind,
		TxnID:        req.TxnID,
		Buyer:        req.Buyer,
		Seller:       req.Seller,
		Lender:       req.Lender,
		ContractType: req.ContractType,
		AmountCents:  req.AmountCents,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}
	s.recordAudit(ctx, c.ID, "contract_created", nil, c, "contract formed between "+c.Buyer+" and "+c.Seller)
	return c, nil
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns contracts the user participates in.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Sign records a party's signature. Once every required signature is
// present the contract activates.
func (s *Service) Sign(ctx context.Context, id, signer string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.FundsReleased {
		return nil, ErrInvalidState
	}

	switch {
	case strings.EqualFold(signer, c.Buyer):
		if c.SignedByBuyer {
			return c, nil
		}
		c.SignedByBuyer = true
	case strings.EqualFold(signer, c.Seller):
		if c.SignedBySeller {
			return c, nil
		}
		c.SignedBySeller = true
	case c.HasLender() && strings.EqualFold(signer, c.Lender):
		if c.SignedByLender {
			return c, nil
		}
		c.SignedByLender = true
	default:
		return nil, ErrUnauthorized
	}

	wasActivated := c.Activated
	if c.FullySigned() {
		c.Activated = true
	}
	if err := s.commit(ctx, c); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, c.ID, "contract_signed", nil, c, signer+" signed the contract")
	if c.Activated && !wasActivated {
		s.recordAudit(ctx, c.ID, "contract_activated", nil, c, "all required signatures present")
	}
	return c, nil
}

// RecordDeposit appends the deposit-received ledger entry for an
// activated contract.
func (s *Service) RecordDeposit(ctx context.Context, id, triggeredBy string) (*Entry, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Activated {
		return nil, ErrInvalidState
	}
	return s.appendEntry(ctx, c, StepDepositReceived, c.AmountCents, triggeredBy)
}

// MarkDelivered records vehicle delivery. Seller only.
func (s *Service) MarkDelivered(ctx context.Context, id, caller string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, c.Seller) {
		return nil, ErrUnauthorized
	}
	if !c.Activated || c.FundsReleased {
		return nil, ErrInvalidState
	}
	if c.DeliveredAt != nil {
		return c, nil
	}

	now := time.Now()
	c.DeliveredAt = &now
	c.Complete = c.InspectionPassed
	if err := s.commit(ctx, c); err != nil {
		return nil, err
	}
	if _, err := s.appendEntry(ctx, c, StepDeliveryConfirmed, 0, caller); err != nil {
		s.logger.Warn("failed to append delivery ledger entry", "contract", c.ID, "error", err)
	}
	s.recordAudit(ctx, c.ID, "delivery_confirmed", nil, c, "seller confirmed delivery")
	return c, nil
}

// VerifyTitle marks the title as transferred and verified.
func (s *Service) VerifyTitle(ctx context.Context, id, triggeredBy string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.FundsReleased {
		return nil, ErrInvalidState
	}
	if c.TitleVerified {
		return c, nil
	}

	c.TitleVerified = true
	if err := s.commit(ctx, c); err != nil {
		return nil, err
	}
	if _, err := s.appendEntry(ctx, c, StepTitleTransferred, 0, triggeredBy); err != nil {
		s.logger.Warn("failed to append title ledger entry", "contract", c.ID, "error", err)
	}
	s.recordAudit(ctx, c.ID, "title_verified", nil, c, "title transfer verified")
	return c, nil
}

// AcceptWaiver records an institutional buyer's explicit waiver of title
// verification. Buyer only.
func (s *Service) AcceptWaiver(ctx context.Context, id, caller string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, c.Buyer) {
		return nil, ErrUnauthorized
	}
	if c.FundsReleased {
		return nil, ErrInvalidState
	}
	if c.WaiverAccepted {
		return c, nil
	}

	c.WaiverAccepted = true
	if err := s.commit(ctx, c); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, c.ID, "waiver_accepted", nil, c, "institutional buyer waived title verification")
	return c, nil
}

// RecordInspection records the inspection result. The contract is complete
// once delivered and inspected.
func (s *Service) RecordInspection(ctx context.Context, id, inspector string, passed bool) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Activated || c.FundsReleased {
		return nil, ErrInvalidState
	}

	c.InspectionPassed = passed
	c.Complete = passed && c.DeliveredAt != nil
	if err := s.commit(ctx, c); err != nil {
		return nil, err
	}
	if passed {
		if _, err := s.appendEntry(ctx, c, StepInspectionCleared, 0, inspector); err != nil {
			s.logger.Warn("failed to append inspection ledger entry", "contract", c.ID, "error", err)
		}
	}
	s.recordAudit(ctx, c.ID, "inspection_recorded", nil, c,
		fmt.Sprintf("inspection by %s passed=%v", inspector, passed))
	return c, nil
}

// commit writes c back with a conditional update and bumps UpdatedAt.
func (s *Service) commit(ctx context.Context, c *Contract) error {
	expected := c.Version
	c.UpdatedAt = time.Now()
	if err := s.store.UpdateVersioned(ctx, c, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.WithLabelValues("settlement").Inc()
		}
		return err
	}
	return nil
}

func (s *Service) appendEntry(ctx context.Context, c *Contract, step Step, amount int64, triggeredBy string) (*Entry, error) {
	e := &Entry{
		ID:          idgen.WithPrefix("ent_"),
		ContractID:  c.ID,
		Step:        step,
		AmountCents: amount,
		TriggeredBy: triggeredBy,
		CreatedAt:   time.Now(),
	}
	if err := s.ledger.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return e, nil
}

// Ledger returns a contract's ledger entries in append order.
func (s *Service) Ledger(ctx context.Context, contractID string) ([]*Entry, error) {
	if _, err := s.store.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, contractID)
}

func (s *Service) emit(ctx context.Context, event notify.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Notify(ctx, event); err != nil {
		s.logger.Warn("notification delivery failed", "event", event.Type, "user", event.UserID, "error", err)
	}
}

func (s *Service) recordAudit(ctx context.Context, contractID, operation string, before, after *Contract, description string) {
	if s.auditLog == nil {
		return
	}
	snapshot := func(c *Contract) string {
		if c == nil {
			return "{}"
		}
		return audit.Snapshot(map[string]any{
			"activated":     c.Activated,
			"complete":      c.Complete,
			"fundsReleased": c.FundsReleased,
		})
	}
	if err := audit.Record(ctx, s.auditLog, "contract", contractID, operation, snapshot(before), snapshot(after), description); err != nil {
		s.logger.Warn("audit write failed", "contract", contractID, "operation", operation, "error", err)
	}
}
