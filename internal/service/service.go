package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/repository"
	"github.com/matt-riley/cartfee/internal/tracing"
)

const (
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second

	// Fee lines are charged in whole cents.
	currencyPlaces = 2
)

var (
	ErrFeeRuleNotFound = errors.New("fee rule not found")
	ErrFeeRuleExists   = errors.New("fee rule already exists")
	ErrMalformedRule   = errors.New("malformed rule")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrIDRequired      = errors.New("fee rule id is required")
)

type Repository interface {
	CreateFeeRecord(ctx context.Context, record repository.FeeRecord) (repository.FeeRecord, error)
	UpdateFeeRecord(ctx context.Context, record repository.FeeRecord) (repository.FeeRecord, error)
	GetFeeRecord(ctx context.Context, id string) (repository.FeeRecord, error)
	ListFeeRecords(ctx context.Context) ([]repository.FeeRecord, error)
	DeleteFeeRecord(ctx context.Context, id string) error
	GetMeta(ctx context.Context, id, key string) (json.RawMessage, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFeeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Quote is the outcome of one cart calculation.
type Quote struct {
	Lines     []core.FeeLine  `json:"lines"`
	Total     decimal.Decimal `json:"total"`
	Decisions []core.Decision `json:"decisions"`
}

type cachedRule struct {
	record repository.FeeRecord
	rule   core.FeeRule
	err    error
}

type Service struct {
	repo       Repository
	log        *slog.Logger
	applicator core.Applicator
	freshReads bool

	resyncInterval time.Duration
	onCacheLoad    func()
	onInvalidation func()
	onCacheSize    func(int)
	onDecision     func(core.Decision)
	onUndecodable  func()

	mu    sync.RWMutex
	cache map[string]cachedRule
}

type Option func(*Service)

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithApplicator sets the label, active window, and strictness policy used by
// Calculate.
func WithApplicator(a core.Applicator) Option {
	return func(s *Service) {
		s.applicator = a
	}
}

// WithCacheMetrics registers callbacks for full reloads, NOTIFY-triggered
// invalidations, and the resulting cache size. Any may be nil.
func WithCacheMetrics(onLoad, onInvalidation func(), onSize func(int)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onInvalidation = onInvalidation
		s.onCacheSize = onSize
	}
}

// WithDecisionObserver is called once per rule per Calculate.
func WithDecisionObserver(observe func(core.Decision)) Option {
	return func(s *Service) {
		s.onDecision = observe
	}
}

// WithUndecodableObserver is called whenever Calculate skips a stored rule
// that could not be decoded.
func WithUndecodableObserver(observe func()) Option {
	return func(s *Service) {
		s.onUndecodable = observe
	}
}

func WithCacheResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// WithFreshReads makes Calculate list rules from the repository on every
// call instead of using the cache. Without it a quote can trail another
// instance's write until the NOTIFY arrives, or until the next resync while
// the listener is disconnected.
func WithFreshReads(fresh bool) Option {
	return func(s *Service) {
		s.freshReads = fresh
	}
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		log:            slog.Default(),
		applicator:     core.Applicator{HonorActiveWindow: true},
		resyncInterval: defaultCacheResyncInterval,
		cache:          make(map[string]cachedRule),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) LoadCache(ctx context.Context) error {
	records, err := s.repo.ListFeeRecords(ctx)
	if err != nil {
		return fmt.Errorf("load fee rules: %w", err)
	}

	next := make(map[string]cachedRule, len(records))
	for _, record := range records {
		next[record.ID] = decodeCached(record)
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	s.reportCacheSize()
	return nil
}

func (s *Service) CreateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error) {
	rule = NormalizeRule(rule)
	if err := ValidateRule(rule); err != nil {
		return core.FeeRule{}, err
	}

	record, err := EncodeRule(rule)
	if err != nil {
		return core.FeeRule{}, fmt.Errorf("encode fee rule: %w", err)
	}

	created, err := s.repo.CreateFeeRecord(ctx, record)
	if err != nil {
		if errors.Is(err, repository.ErrFeeRecordExists) {
			return core.FeeRule{}, fmt.Errorf("%w: %q", ErrFeeRuleExists, rule.ID)
		}
		return core.FeeRule{}, fmt.Errorf("create fee rule: %w", err)
	}

	entry := decodeCached(created)
	s.setCached(entry)
	s.log.Info("fee rule created", "fee_rule_id", created.ID)
	return entry.rule, entry.err
}

func (s *Service) UpdateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error) {
	rule = NormalizeRule(rule)
	if rule.ID == "" {
		return core.FeeRule{}, ErrIDRequired
	}
	if err := ValidateRule(rule); err != nil {
		return core.FeeRule{}, err
	}

	record, err := EncodeRule(rule)
	if err != nil {
		return core.FeeRule{}, fmt.Errorf("encode fee rule: %w", err)
	}

	updated, err := s.repo.UpdateFeeRecord(ctx, record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCached(rule.ID)
			return core.FeeRule{}, ErrFeeRuleNotFound
		}
		return core.FeeRule{}, fmt.Errorf("update fee rule: %w", err)
	}

	entry := decodeCached(updated)
	s.setCached(entry)
	s.log.Info("fee rule updated", "fee_rule_id", updated.ID)
	return entry.rule, entry.err
}

func (s *Service) GetFeeRule(ctx context.Context, id string) (core.FeeRule, error) {
	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return core.FeeRule{}, err
	}
	if entry.err != nil {
		return core.FeeRule{}, fmt.Errorf("decode fee rule %q: %w", id, entry.err)
	}
	return entry.rule, nil
}

// GetFeeRecord returns the stored form of a rule, meta included.
func (s *Service) GetFeeRecord(ctx context.Context, id string) (repository.FeeRecord, error) {
	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return repository.FeeRecord{}, err
	}
	return entry.record, nil
}

// ListFeeRules returns every decodable rule in creation order. Rules whose
// stored meta cannot be decoded are logged and left out.
func (s *Service) ListFeeRules(_ context.Context) ([]core.FeeRule, error) {
	entries := s.snapshot()
	rules := make([]core.FeeRule, 0, len(entries))
	for _, entry := range entries {
		if entry.err != nil {
			s.log.Warn("skipping undecodable fee rule", "fee_rule_id", entry.record.ID, "error", entry.err)
			continue
		}
		rules = append(rules, entry.rule)
	}
	return rules, nil
}

func (s *Service) DeleteFeeRule(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrIDRequired
	}

	if err := s.repo.DeleteFeeRecord(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCached(id)
			return ErrFeeRuleNotFound
		}
		return fmt.Errorf("delete fee rule: %w", err)
	}

	s.deleteCached(id)
	s.log.Info("fee rule deleted", "fee_rule_id", id)
	return nil
}

// LoadSettings reads the settings meta of one rule straight from the store.
func (s *Service) LoadSettings(ctx context.Context, id string) (Settings, error) {
	raw, err := s.loadMeta(ctx, id, repository.MetaSettings)
	if err != nil {
		return Settings{}, err
	}

	var meta repository.SettingsMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return settingsFromMeta(meta), nil
}

// LoadConditions reads the condition list meta of one rule straight from
// the store. A rule without conditions yields an empty list.
func (s *Service) LoadConditions(ctx context.Context, id string) ([]core.Condition, error) {
	raw, err := s.loadMeta(ctx, id, repository.MetaConditions)
	if errors.Is(err, ErrFeeRuleNotFound) {
		if _, getErr := s.GetFeeRecord(ctx, id); getErr == nil {
			return []core.Condition{}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	var rows []repository.ConditionMeta
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}
	return conditionsFromMeta(rows), nil
}

// Calculate runs every stored rule against ctx and returns the fee lines
// that applied, each rounded to cents, with their sum as the total. A rule
// that cannot be decoded is skipped, never fatal.
func (s *Service) Calculate(ctx context.Context, reqCtx core.RequestContext) (Quote, error) {
	ctx, span := tracing.Tracer().Start(ctx, "service.Calculate")
	defer span.End()

	entries, err := s.rulesForCalculation(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Quote{}, err
	}

	rules := make([]core.FeeRule, 0, len(entries))
	for _, entry := range entries {
		if entry.err != nil {
			s.log.WarnContext(ctx, "skipping undecodable fee rule", "fee_rule_id", entry.record.ID, "error", entry.err)
			if s.onUndecodable != nil {
				s.onUndecodable()
			}
			continue
		}
		rules = append(rules, entry.rule)
	}

	var cart core.Cart
	decisions := s.applicator.ApplyAll(rules, func() core.RequestContext { return reqCtx }, &cart)
	for i := range cart.Lines {
		cart.Lines[i].Amount = cart.Lines[i].Amount.Round(currencyPlaces)
	}
	for i := range decisions {
		decisions[i].Amount = decisions[i].Amount.Round(currencyPlaces)
	}

	for _, decision := range decisions {
		if s.onDecision != nil {
			s.onDecision(decision)
		}
		s.log.DebugContext(ctx, "fee rule evaluated",
			"fee_rule_id", decision.RuleID,
			"applied", decision.Applied,
			"amount", decision.Amount.String(),
			"reason", string(decision.Reason),
		)
	}

	span.SetAttributes(
		attribute.Int("cartfee.rules", len(rules)),
		attribute.Int("cartfee.fees_applied", len(cart.Lines)),
	)

	lines := cart.Lines
	if lines == nil {
		lines = []core.FeeLine{}
	}
	return Quote{Lines: lines, Total: cart.Total(), Decisions: decisions}, nil
}

func (s *Service) rulesForCalculation(ctx context.Context) ([]cachedRule, error) {
	if !s.freshReads {
		return s.snapshot(), nil
	}

	records, err := s.repo.ListFeeRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fee rules: %w", err)
	}
	entries := make([]cachedRule, 0, len(records))
	for _, record := range records {
		entries = append(entries, decodeCached(record))
	}
	return entries, nil
}

func (s *Service) loadMeta(ctx context.Context, id, key string) (json.RawMessage, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrIDRequired
	}
	raw, err := s.repo.GetMeta(ctx, id, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFeeRuleNotFound
		}
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return raw, nil
}

func (s *Service) getEntry(ctx context.Context, id string) (cachedRule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return cachedRule{}, ErrIDRequired
	}

	s.mu.RLock()
	entry, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	record, err := s.repo.GetFeeRecord(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cachedRule{}, ErrFeeRuleNotFound
		}
		return cachedRule{}, fmt.Errorf("get fee rule: %w", err)
	}

	entry = decodeCached(record)
	s.setCached(entry)
	return entry, nil
}

func (s *Service) snapshot() []cachedRule {
	s.mu.RLock()
	entries := make([]cachedRule, 0, len(s.cache))
	for _, entry := range s.cache {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].record, entries[j].record
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return entries
}

func (s *Service) setCached(entry cachedRule) {
	s.mu.Lock()
	s.cache[entry.record.ID] = entry
	s.mu.Unlock()
	s.reportCacheSize()
}

func (s *Service) deleteCached(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	s.reportCacheSize()
}

func (s *Service) reportCacheSize() {
	if s.onCacheSize == nil {
		return
	}
	s.mu.RLock()
	size := len(s.cache)
	s.mu.RUnlock()
	s.onCacheSize(size)
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFeeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFeeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFeeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.log.Warn("fee rule cache reload failed", "error", err)
	}
}

func decodeCached(record repository.FeeRecord) cachedRule {
	rule, err := DecodeRecord(record)
	return cachedRule{record: record, rule: rule, err: err}
}
