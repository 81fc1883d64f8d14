// Package disputes lets designated arbiters decide a contested escrow.
//
// Flow:
//  1. The tenant or landlord opens a dispute; the escrow moves to DISPUTED.
//  2. Each arbiter votes once, for the source or for the destination.
//  3. Resolve takes the strict majority of the votes cast, records the
//     outcome and settles the escrow through the escrow engine.
//  4. An outcome whose settlement did not go through is retried by Enforce
//     and by the Timer.
package disputes

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rentvault/rentvault/internal/escrow"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/idgen"
	"github.com/rentvault/rentvault/internal/metrics"
	"github.com/rentvault/rentvault/internal/realtime"
	"github.com/rentvault/rentvault/internal/syncutil"
	"github.com/rentvault/rentvault/internal/validation"
)

var (
	ErrDisputeNotFound = failure.New(failure.KindNotFound, "disputes: not found")
	ErrDisputeExists   = failure.New(failure.KindConflict, "disputes: escrow already has a dispute")
	ErrAlreadyResolved = failure.New(failure.KindConflict, "disputes: already resolved")
	ErrNotResolved     = failure.New(failure.KindConflict, "disputes: not resolved yet")
	ErrAlreadyVoted    = failure.New(failure.KindConflict, "disputes: arbiter already voted")
	ErrNoMajority      = failure.New(failure.KindConflict, "disputes: no majority yet, more votes are needed")
	ErrNotArbiter      = failure.New(failure.KindValidation, "disputes: not an arbiter of this dispute")
	ErrNotParty        = failure.New(failure.KindValidation, "disputes: only the escrow source or destination may open a dispute")
	ErrInvalidArbiters = failure.New(failure.KindValidation, "disputes: invalid arbiter set")

	errNotDiscardable = failure.New(failure.KindConflict, "disputes: dispute already has votes")
)

const (
	maxArbiters     = 15
	maxArbiterIDLen = 56
	maxReasonLen    = 2000
	maxNoteLen      = 500
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Outcome names the side a resolved dispute favors.
type Outcome string

const (
	OutcomeSource      Outcome = "SOURCE"
	OutcomeDestination Outcome = "DESTINATION"
)

// Dispute is a contested escrow and the running tally of its votes.
type Dispute struct {
	ID                  string     `json:"id"`
	EscrowID            string     `json:"escrowId"`
	OpenedBy            string     `json:"openedBy"`
	Reason              string     `json:"reason"`
	Arbiters            []string   `json:"arbiters"`
	Status              Status     `json:"status"`
	VotesForSource      int        `json:"votesForSource"`
	VotesForDestination int        `json:"votesForDestination"`
	Outcome             Outcome    `json:"outcome,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	SettledAt           *time.Time `json:"settledAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// IsArbiter reports whether id may vote on d.
func (d *Dispute) IsArbiter(id string) bool {
	return slices.Contains(d.Arbiters, id)
}

// majority returns the side holding a strict majority of the votes cast.
func (d *Dispute) majority() (Outcome, bool) {
	switch {
	case d.VotesForSource > d.VotesForDestination:
		return OutcomeSource, true
	case d.VotesForDestination > d.VotesForSource:
		return OutcomeDestination, true
	}
	return "", false
}

// Vote is one arbiter's decision. Immutable once stored.
type Vote struct {
	ID             string    `json:"id"`
	DisputeID      string    `json:"disputeId"`
	ArbiterID      string    `json:"arbiterId"`
	FavorSource    bool      `json:"favorSource"`
	Note           string    `json:"note,omitempty"`
	SubmissionHash string    `json:"submissionHash,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists disputes and their votes.
type Store interface {
	// Create fails with ErrDisputeExists when the escrow already has one.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	// Discard removes an OPEN dispute without votes. Used when the escrow
	// could not be marked disputed.
	Discard(ctx context.Context, id string) error
	// AddVote stores v and bumps the matching tally in one step. It fails
	// with ErrAlreadyResolved on a resolved dispute and ErrAlreadyVoted on a
	// second vote by the same arbiter.
	AddVote(ctx context.Context, v *Vote) (*Dispute, error)
	ListVotes(ctx context.Context, disputeID string) ([]*Vote, error)
	// Resolve flips an OPEN dispute to RESOLVED with outcome.
	Resolve(ctx context.Context, id string, outcome Outcome, at time.Time) (*Dispute, error)
	MarkSettled(ctx context.Context, id string, at time.Time) (*Dispute, error)
	// ListUnsettled returns RESOLVED disputes whose escrow was not settled yet.
	ListUnsettled(ctx context.Context, limit int) ([]*Dispute, error)
}

// EscrowEngine is the part of the escrow service the resolver drives.
type EscrowEngine interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkDisputed(ctx context.Context, id, disputeID string) (*escrow.Escrow, error)
	Refund(ctx context.Context, id, reason string) (*escrow.Escrow, error)
	ReleaseDisputed(ctx context.Context, id, memo string) (*escrow.Escrow, error)
}

// VoteRecorder publishes a vote to an external record and returns the
// submission hash.
type VoteRecorder interface {
	RecordVote(ctx context.Context, disputeID, arbiterID string, favorSource bool) (string, error)
}

// OpenRequest opens a dispute on an ACTIVE escrow.
type OpenRequest struct {
	OpenedBy string   `json:"openedBy"`
	Reason   string   `json:"reason"`
	Arbiters []string `json:"arbiters"`
}

// VoteRequest is one arbiter's ballot.
type VoteRequest struct {
	ArbiterID   string `json:"arbiterId"`
	FavorSource bool   `json:"favorSource"`
	Note        string `json:"note,omitempty"`
}

// Service runs the dispute lifecycle.
type Service struct {
	store    Store
	escrows  EscrowEngine
	recorder VoteRecorder
	locks    *syncutil.KeyLock
	events   realtime.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a dispute service. recorder may be nil.
func NewService(store Store, escrows EscrowEngine, recorder VoteRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		escrows:  escrows,
		recorder: recorder,
		locks:    syncutil.NewKeyLock(),
		events:   realtime.Discard,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Tests use it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEvents publishes dispute status changes to p.
func (s *Service) WithEvents(p realtime.Publisher) *Service {
	s.events = p
	return s
}

// Open creates a dispute for escrowID and moves the escrow to DISPUTED.
func (s *Service) Open(ctx context.Context, escrowID string, req OpenRequest) (*Dispute, error) {
	reason := validation.SanitizeString(req.Reason, maxReasonLen)
	if reason == "" {
		return nil, failure.Validationf("disputes: reason is required")
	}
	arbiters, err := normalizeArbiters(req.Arbiters)
	if err != nil {
		return nil, err
	}

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if req.OpenedBy != e.Source && req.OpenedBy != e.Destination {
		return nil, ErrNotParty
	}
	if slices.Contains(arbiters, e.Source) || slices.Contains(arbiters, e.Destination) {
		return nil, failure.Validationf("disputes: a party to the escrow cannot arbitrate it")
	}

	now := s.now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		EscrowID:  escrowID,
		OpenedBy:  req.OpenedBy,
		Reason:    reason,
		Arbiters:  arbiters,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	if _, err := s.escrows.MarkDisputed(ctx, escrowID, d.ID); err != nil {
		if derr := s.store.Discard(ctx, d.ID); derr != nil {
			s.logger.Error("failed to discard dispute", "disputeId", d.ID, "error", derr)
		}
		return nil, err
	}

	s.publish(d, e.Source, e.Destination)
	s.logger.Info("dispute opened", "disputeId", d.ID, "escrowId", escrowID, "arbiters", len(arbiters))
	return d, nil
}

// Vote records one arbiter's ballot.
func (s *Service) Vote(ctx context.Context, disputeID string, req VoteRequest) (*Vote, *Dispute, error) {
	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	if d.Status == StatusResolved {
		return nil, nil, ErrAlreadyResolved
	}
	if !d.IsArbiter(req.ArbiterID) {
		return nil, nil, ErrNotArbiter
	}
	votes, err := s.store.ListVotes(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range votes {
		if v.ArbiterID == req.ArbiterID {
			return nil, nil, ErrAlreadyVoted
		}
	}

	v := &Vote{
		ID:          idgen.WithPrefix("vote_"),
		DisputeID:   disputeID,
		ArbiterID:   req.ArbiterID,
		FavorSource: req.FavorSource,
		Note:        validation.SanitizeString(req.Note, maxNoteLen),
		CreatedAt:   s.now(),
	}
	if s.recorder != nil {
		hash, err := s.recorder.RecordVote(ctx, disputeID, req.ArbiterID, req.FavorSource)
		if err != nil {
			s.logger.Error("vote not recorded externally", "disputeId", disputeID, "arbiterId", req.ArbiterID, "error", err)
			return nil, nil, err
		}
		v.SubmissionHash = hash
	}

	d, err = s.store.AddVote(ctx, v)
	if err != nil {
		return nil, nil, err
	}
	metrics.ArbiterVotesTotal.WithLabelValues(favorLabel(v.FavorSource)).Inc()
	s.logger.Info("arbiter voted", "disputeId", disputeID, "arbiterId", v.ArbiterID, "favorSource", v.FavorSource)
	return v, d, nil
}

// Resolve decides the dispute by strict majority of the votes cast and
// settles the escrow. A tie, including no votes at all, returns
// ErrNoMajority and changes nothing.
//
// When the outcome is recorded but the settlement fails, the resolved
// dispute is returned together with the settlement error; Enforce retries it.
func (s *Service) Resolve(ctx context.Context, disputeID string) (*Dispute, error) {
	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	outcome, ok := d.majority()
	if !ok {
		return nil, ErrNoMajority
	}
	d, err = s.store.Resolve(ctx, disputeID, outcome, s.now())
	if err != nil {
		return nil, err
	}
	if e, err := s.escrows.Get(ctx, d.EscrowID); err == nil {
		s.publish(d, e.Source, e.Destination)
	}
	s.logger.Info("dispute resolved", "disputeId", d.ID, "escrowId", d.EscrowID, "outcome", outcome,
		"votesForSource", d.VotesForSource, "votesForDestination", d.VotesForDestination)
	return s.enforceLocked(ctx, d)
}

// Enforce settles the escrow of a resolved dispute whose settlement has not
// gone through yet. Settled disputes are returned unchanged.
func (s *Service) Enforce(ctx context.Context, disputeID string) (*Dispute, error) {
	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusResolved {
		return nil, ErrNotResolved
	}
	if d.SettledAt != nil {
		return d, nil
	}
	return s.enforceLocked(ctx, d)
}

// EnforceResult summarizes one EnforceUnsettled run.
type EnforceResult struct {
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

// EnforceUnsettled retries every resolved dispute still waiting on its
// settlement. One failure does not stop the others.
func (s *Service) EnforceUnsettled(ctx context.Context) EnforceResult {
	var res EnforceResult
	pending, err := s.store.ListUnsettled(ctx, 100)
	if err != nil {
		s.logger.Error("failed to list unsettled disputes", "error", err)
		return res
	}
	for _, d := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Enforce(ctx, d.ID); err != nil {
			res.Failed++
			s.logger.Warn("dispute settlement failed", "disputeId", d.ID, "escrowId", d.EscrowID, "error", err)
			continue
		}
		res.Settled++
	}
	return res
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetByEscrow returns the dispute opened on escrowID.
func (s *Service) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	return s.store.GetByEscrow(ctx, escrowID)
}

// ListVotes returns the votes of a dispute, oldest first.
func (s *Service) ListVotes(ctx context.Context, disputeID string) ([]*Vote, error) {
	if _, err := s.store.Get(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, disputeID)
}

func (s *Service) enforceLocked(ctx context.Context, d *Dispute) (*Dispute, error) {
	var (
		e   *escrow.Escrow
		err error
	)
	switch d.Outcome {
	case OutcomeSource:
		e, err = s.escrows.Refund(ctx, d.EscrowID, "dispute "+d.ID)
	default:
		e, err = s.escrows.ReleaseDisputed(ctx, d.EscrowID, "")
	}
	if err != nil {
		if !failure.Is(err, failure.KindConflict) {
			return d, err
		}
		// Settled by an earlier attempt whose outcome arrived late, or by
		// someone else. Anything still open is a real conflict.
		current, gerr := s.escrows.Get(ctx, d.EscrowID)
		if gerr != nil {
			return d, gerr
		}
		if !current.Status.IsTerminal() {
			return d, err
		}
		e = current
		if e.Status != expectedStatus(d.Outcome) {
			s.logger.Warn("escrow settled against dispute outcome",
				"disputeId", d.ID, "escrowId", d.EscrowID, "outcome", d.Outcome, "escrowStatus", e.Status)
		}
	}

	settled, err := s.store.MarkSettled(ctx, d.ID, s.now())
	if err != nil {
		return d, err
	}
	s.publish(settled, e.Source, e.Destination)
	s.logger.Info("dispute settled", "disputeId", d.ID, "escrowId", d.EscrowID, "escrowStatus", e.Status)
	return settled, nil
}

func (s *Service) publish(d *Dispute, parties ...string) {
	s.events.Publish(realtime.Event{
		Type:      realtime.EventDispute,
		ID:        d.ID,
		Status:    string(d.Status),
		Accounts:  parties,
		Timestamp: d.UpdatedAt,
		Data:      d,
	})
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "dispute:"+id)
}

func expectedStatus(o Outcome) escrow.Status {
	if o == OutcomeSource {
		return escrow.StatusRefunded
	}
	return escrow.StatusReleased
}

func favorLabel(favorSource bool) string {
	if favorSource {
		return "source"
	}
	return "destination"
}

func normalizeArbiters(in []string) ([]string, error) {
	if len(in) == 0 || len(in) > maxArbiters {
		return nil, ErrInvalidArbiters
	}
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" || len(a) > maxArbiterIDLen || slices.Contains(out, a) {
			return nil, ErrInvalidArbiters
		}
		out = append(out, a)
	}
	return out, nil
}
