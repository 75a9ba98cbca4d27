// Package emailsequence is the drip sequence engine: sequence definitions,
// enrollments, the dispatch scheduler and delivery tracking.
package emailsequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/jordanlanch/dripline/pkg/cache"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/jordanlanch/dripline/pkg/email"
	"github.com/jordanlanch/dripline/pkg/emailtemplate"
	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/jordanlanch/dripline/pkg/metrics"
	"github.com/jordanlanch/dripline/pkg/users"
	"golang.org/x/time/rate"
)

// UserStore is the slice of the user directory the engine uses.
type UserStore interface {
	Get(ctx context.Context, id int64) (*users.User, error)
	GetByEmail(ctx context.Context, email string) (*users.User, error)
	AddTag(ctx context.Context, userID int64, tag string) (bool, error)
}

// Config tunes the scheduler and rendering.
type Config struct {
	// BaseURL is used to build the template link set
	BaseURL string
	// BatchSize caps how many due enrollments one pass looks at
	BatchSize int
	// Concurrency caps in-flight dispatches within one pass
	Concurrency int
	// Lease is how long a claimed enrollment stays reserved
	Lease time.Duration
	// RatePerSecond throttles calls to the email provider, 0 disables it
	RatePerSecond float64
	// RetryDelay is how far a failed immediate send is pushed out
	RetryDelay time.Duration
	// AnalyticsTTL is the cache lifetime of analytics reads
	AnalyticsTTL time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:3000",
		BatchSize:     200,
		Concurrency:   5,
		Lease:         5 * time.Minute,
		RatePerSecond: 10,
		RetryDelay:    time.Minute,
		AnalyticsTTL:  time.Minute,
	}
}

// firstSendFloor is the minimum wait for a zero-delay first step
const firstSendFloor = time.Minute

var slugRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Service handles email sequence operations.
type Service struct {
	db       *sqlx.DB
	store    *store
	users    UserStore
	sender   email.Sender
	cache    *cache.Client
	replicas *database.Replicas
	metrics  *metrics.Metrics
	log      logger.Logger
	cfg      Config
	urls     map[string]string
	limiter  *rate.Limiter
	validate *validator.Validate
	now      func() time.Time
}

// Option configures optional collaborators
type Option func(*Service)

// WithCache enables the Redis analytics cache
func WithCache(c *cache.Client) Option {
	return func(s *Service) { s.cache = c }
}

// WithReadReplicas routes analytics and export queries to read replicas
func WithReadReplicas(r *database.Replicas) Option {
	return func(s *Service) { s.replicas = r }
}

// WithMetrics enables Prometheus recording
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new email sequence service.
func NewService(client *database.Client, userStore UserStore, sender email.Sender, cfg Config, log logger.Logger, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = defaults.AnalyticsTTL
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Service{
		db:       client.DB,
		store:    &store{db: client.DB},
		users:    userStore,
		sender:   sender,
		log:      log.With("component", "emailsequence"),
		cfg:      cfg,
		urls:     emailtemplate.DefaultURLs(cfg.BaseURL),
		validate: validator.New(),
		now:      time.Now,
	}

	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// readStore is used by reporting queries that tolerate replica lag
func (s *Service) readStore() *store {
	if s.replicas == nil {
		return s.store
	}
	return &store{db: s.replicas.Reader()}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CreateSequence creates a new sequence. The slug defaults to the slugified name.
func (s *Service) CreateSequence(ctx context.Context, req CreateSequenceRequest) (*Sequence, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.NewValidationError("name is required")
	}

	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if !slugRe.MatchString(slug) {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid slug %q", slug))
	}

	now := s.clock()
	seq := &Sequence{
		Name:        name,
		Slug:        slug,
		Description: req.Description,
		IsActive:    true,
		TriggerTag:  normalizeTag(req.TriggerTag),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.IsActive != nil {
		seq.IsActive = *req.IsActive
	}

	if err := s.store.insertSequence(ctx, seq); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, domain.NewConflictError(fmt.Sprintf("sequence with slug %s already exists", slug))
		}
		return nil, domain.NewPersistenceError("create sequence", err)
	}

	s.log.Info("sequence created", "sequence_id", seq.ID, "slug", seq.Slug)
	return seq, nil
}

// GetSequence retrieves a sequence by ID, with all of its steps.
func (s *Service) GetSequence(ctx context.Context, id int64) (*Sequence, error) {
	seq, err := s.store.getSequence(ctx, s.db, id)
	if err != nil {
		return nil, notFoundOr(err, "sequence", "get sequence")
	}
	return s.withSteps(ctx, seq)
}

// GetSequenceBySlug retrieves a sequence by slug, with all of its steps.
func (s *Service) GetSequenceBySlug(ctx context.Context, slug string) (*Sequence, error) {
	seq, err := s.store.getSequenceBySlug(ctx, s.db, slug)
	if err != nil {
		return nil, notFoundOr(err, "sequence", "get sequence")
	}
	return s.withSteps(ctx, seq)
}

// ResolveSequence accepts either a numeric id or a slug.
func (s *Service) ResolveSequence(ctx context.Context, ref string) (*Sequence, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.GetSequence(ctx, id)
	}
	return s.GetSequenceBySlug(ctx, ref)
}

func (s *Service) withSteps(ctx context.Context, seq *Sequence) (*Sequence, error) {
	steps, err := s.store.listSteps(ctx, s.db, seq.ID, false)
	if err != nil {
		return nil, domain.NewPersistenceError("list steps", err)
	}
	seq.Steps = steps
	return seq, nil
}

// ListSequences lists sequences, newest first.
func (s *Service) ListSequences(ctx context.Context, activeOnly bool) ([]Sequence, error) {
	seqs, err := s.store.listSequences(ctx, activeOnly)
	if err != nil {
		return nil, domain.NewPersistenceError("list sequences", err)
	}
	return seqs, nil
}

// UpdateSequence updates a sequence.
func (s *Service) UpdateSequence(ctx context.Context, id int64, req UpdateSequenceRequest) (*Sequence, error) {
	seq, err := s.store.getSequence(ctx, s.db, id)
	if err != nil {
		return nil, notFoundOr(err, "sequence", "get sequence")
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.NewValidationError("name cannot be empty")
		}
		seq.Name = name
	}
	if req.Description != nil {
		seq.Description = *req.Description
	}
	if req.TriggerTag != nil {
		seq.TriggerTag = normalizeTag(req.TriggerTag)
	}
	if req.IsActive != nil {
		seq.IsActive = *req.IsActive
	}
	seq.UpdatedAt = s.clock()

	if err := s.store.updateSequence(ctx, seq); err != nil {
		return nil, domain.NewPersistenceError("update sequence", err)
	}

	s.invalidateAnalytics(ctx, seq.ID)
	return s.withSteps(ctx, seq)
}

// DeleteSequence removes a sequence. A sequence that enrollments reference is
// deactivated instead, and deactivated reports true.
func (s *Service) DeleteSequence(ctx context.Context, id int64) (deactivated bool, err error) {
	seq, err := s.store.getSequence(ctx, s.db, id)
	if err != nil {
		return false, notFoundOr(err, "sequence", "get sequence")
	}

	n, err := s.store.countEnrollments(ctx, id)
	if err != nil {
		return false, domain.NewPersistenceError("count enrollments", err)
	}

	if n > 0 {
		seq.IsActive = false
		seq.UpdatedAt = s.clock()
		if err := s.store.updateSequence(ctx, seq); err != nil {
			return false, domain.NewPersistenceError("deactivate sequence", err)
		}
		s.log.Info("sequence deactivated instead of deleted", "sequence_id", id, "enrollments", n)
		return true, nil
	}

	if err := s.store.deleteSequence(ctx, id); err != nil {
		return false, domain.NewPersistenceError("delete sequence", err)
	}
	s.invalidateAnalytics(ctx, id)
	return false, nil
}

// ImportSteps replaces every step of the sequence with steps, ordered 0..n-1.
// Delete and insert commit together or not at all.
func (s *Service) ImportSteps(ctx context.Context, slug string, steps []StepInput) ([]Step, error) {
	if err := s.validate.Struct(ImportStepsRequest{Steps: steps}); err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid steps: %v", err))
	}
	for i, in := range steps {
		if strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.Body) == "" {
			return nil, domain.NewValidationError(fmt.Sprintf("step %d: subject and body are required", i))
		}
	}

	now := s.clock()
	var (
		seq      *Sequence
		imported []Step
	)

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		seq, err = s.store.getSequenceBySlug(ctx, tx, slug)
		if err != nil {
			return notFoundOr(err, "sequence", "get sequence")
		}

		if err := s.store.deleteSteps(ctx, tx, seq.ID); err != nil {
			return domain.NewPersistenceError("delete steps", err)
		}

		imported = make([]Step, 0, len(steps))
		for i, in := range steps {
			step := Step{
				SequenceID: seq.ID,
				StepOrder:  i,
				Subject:    in.Subject,
				Body:       in.Body,
				DelayDays:  in.DelayDays,
				DelayHours: in.DelayHours,
				IsActive:   in.IsActive == nil || *in.IsActive,
				CreatedAt:  now,
			}
			if err := s.store.insertStep(ctx, tx, &step); err != nil {
				return domain.NewPersistenceError("insert step", err)
			}
			imported = append(imported, step)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateAnalytics(ctx, seq.ID)
	s.log.Info("sequence steps imported", "sequence_id", seq.ID, "slug", slug, "steps", len(imported))
	return imported, nil
}

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func normalizeTag(tag *string) *string {
	if tag == nil {
		return nil
	}
	t := strings.TrimSpace(*tag)
	if t == "" {
		return nil
	}
	return &t
}

// notFoundOr maps sql.ErrNoRows to NotFound and passes domain errors through.
func notFoundOr(err error, resource, op string) error {
	if isNoRows(err) {
		return domain.NewNotFoundError(resource)
	}
	var de *domain.DomainError
	if errors.As(err, &de) {
		return err
	}
	return domain.NewPersistenceError(op, err)
}
