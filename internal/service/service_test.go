package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func percentUSRule() core.FeeRule {
	return core.FeeRule{
		Title:     "US surcharge",
		FeeType:   core.FeeTypePercentage,
		Amount:    decimal.NewFromInt(10),
		Taxable:   true,
		MatchType: core.MatchAny,
		Conditions: []core.Condition{
			{Kind: catalog.BillingCountryState, Operator: catalog.Contain, Values: []string{"US"}},
		},
	}
}

func newTestService(t *testing.T, repo Repository, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	svc, err := New(context.Background(), repo, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func TestServiceCRUDAndCalculate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, repository.NewMemoryRepository())

	created, err := svc.CreateFeeRule(ctx, percentUSRule())
	if err != nil {
		t.Fatalf("CreateFeeRule() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateFeeRule() returned empty id")
	}

	got, err := svc.GetFeeRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetFeeRule() error = %v", err)
	}
	if got.Title != "US surcharge" || !got.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("GetFeeRule() = %+v", got)
	}

	quote, err := svc.Calculate(ctx, core.RequestContext{
		BillingCountryState: "US",
		CartSubtotal:        decimal.NewFromInt(100),
		CartShippingTotal:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if len(quote.Lines) != 1 || !quote.Lines[0].Amount.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("Calculate(US) lines = %+v, want one 11 line", quote.Lines)
	}
	if !quote.Total.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("Calculate(US) total = %s, want 11", quote.Total)
	}

	quote, err = svc.Calculate(ctx, core.RequestContext{
		BillingCountryState: "CA",
		CartSubtotal:        decimal.NewFromInt(100),
		CartShippingTotal:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if len(quote.Lines) != 0 || !quote.Total.IsZero() {
		t.Fatalf("Calculate(CA) = %+v, want no lines", quote)
	}

	created.FeeType = core.FeeTypeFixed
	created.Amount = decimal.RequireFromString("3.50")
	if _, err := svc.UpdateFeeRule(ctx, created); err != nil {
		t.Fatalf("UpdateFeeRule() error = %v", err)
	}

	rules, err := svc.ListFeeRules(ctx)
	if err != nil {
		t.Fatalf("ListFeeRules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].FeeType != core.FeeTypeFixed {
		t.Fatalf("ListFeeRules() = %+v, want single fixed rule", rules)
	}

	if err := svc.DeleteFeeRule(ctx, created.ID); err != nil {
		t.Fatalf("DeleteFeeRule() error = %v", err)
	}
	if _, err := svc.GetFeeRule(ctx, created.ID); !errors.Is(err, ErrFeeRuleNotFound) {
		t.Fatalf("GetFeeRule(deleted) error = %v, want %v", err, ErrFeeRuleNotFound)
	}
	if err := svc.DeleteFeeRule(ctx, created.ID); !errors.Is(err, ErrFeeRuleNotFound) {
		t.Fatalf("DeleteFeeRule(deleted) error = %v, want %v", err, ErrFeeRuleNotFound)
	}
}

func TestServiceRejectsInvalidRules(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryRepository())

	tests := []struct {
		name   string
		mutate func(*core.FeeRule)
		want   []error
	}{
		{
			name:   "unknown fee type",
			mutate: func(r *core.FeeRule) { r.FeeType = "per_item" },
			want:   []error{ErrInvalidSettings},
		},
		{
			name: "active window reversed",
			mutate: func(r *core.FeeRule) {
				r.ActiveWindow = &core.ActiveWindow{
					Start: time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
					End:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
				}
			},
			want: []error{ErrInvalidSettings},
		},
		{
			name:   "unknown kind",
			mutate: func(r *core.FeeRule) { r.Conditions[0].Kind = "shoe_size" },
			want:   []error{ErrMalformedRule, catalog.ErrUnknownConditionKind},
		},
		{
			name:   "unsupported operator",
			mutate: func(r *core.FeeRule) { r.Conditions[0].Operator = catalog.GreaterThan },
			want:   []error{ErrMalformedRule},
		},
		{
			name:   "no values",
			mutate: func(r *core.FeeRule) { r.Conditions[0].Values = []string{"  "} },
			want:   []error{ErrMalformedRule},
		},
		{
			name:   "missing match type",
			mutate: func(r *core.FeeRule) { r.MatchType = "" },
			want:   []error{ErrMalformedRule},
		},
		{
			name: "duplicate kinds",
			mutate: func(r *core.FeeRule) {
				r.Conditions = append(r.Conditions, core.Condition{Kind: catalog.BillingCountryState, Operator: catalog.NotContain, Values: []string{"CA"}})
			},
			want: []error{ErrMalformedRule},
		},
		{
			name: "non numeric subtotal",
			mutate: func(r *core.FeeRule) {
				r.Conditions = []core.Condition{{Kind: catalog.CartSubtotal, Operator: catalog.GreaterThan, Values: []string{"fifty"}}}
			},
			want: []error{ErrMalformedRule},
		},
		{
			name: "several postcodes",
			mutate: func(r *core.FeeRule) {
				r.Conditions = []core.Condition{{Kind: catalog.ShippingPostCode, Operator: catalog.Equal, Values: []string{"1000", "2000"}}}
			},
			want: []error{ErrMalformedRule},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := percentUSRule()
			tt.mutate(&rule)

			_, err := svc.CreateFeeRule(context.Background(), rule)
			for _, want := range tt.want {
				if !errors.Is(err, want) {
					t.Fatalf("CreateFeeRule() error = %v, want %v", err, want)
				}
			}
		})
	}
}

func TestServiceAcceptsRuleWithoutConditions(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryRepository())
	rule := core.FeeRule{FeeType: core.FeeTypeFixed, Amount: decimal.NewFromInt(5)}

	if _, err := svc.CreateFeeRule(context.Background(), rule); err != nil {
		t.Fatalf("CreateFeeRule(no conditions) error = %v", err)
	}

	quote, err := svc.Calculate(context.Background(), core.RequestContext{PaymentGateway: "cod"})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if len(quote.Lines) != 0 {
		t.Fatalf("rule without conditions added %d lines", len(quote.Lines))
	}
	if len(quote.Decisions) != 1 || quote.Decisions[0].Reason != core.SkipNoConditions {
		t.Fatalf("Decisions = %+v, want one no_conditions skip", quote.Decisions)
	}
}

func TestServiceNormalizesHyphenatedOperators(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryRepository())
	rule := percentUSRule()
	rule.Conditions = []core.Condition{{Kind: catalog.Quantity, Operator: "greater-than", Values: []string{" 5 "}}}

	created, err := svc.CreateFeeRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("CreateFeeRule() error = %v", err)
	}
	if got := created.Conditions[0]; got.Operator != catalog.GreaterThan || got.Values[0] != "5" {
		t.Fatalf("stored condition = %+v", got)
	}
}

func TestServiceUpdateEvictsStaleCacheOnNotFound(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	svc := newTestService(t, repo)

	created, err := svc.CreateFeeRule(ctx, percentUSRule())
	if err != nil {
		t.Fatalf("CreateFeeRule() error = %v", err)
	}
	if err := repo.DeleteFeeRecord(ctx, created.ID); err != nil {
		t.Fatalf("DeleteFeeRecord() error = %v", err)
	}

	if _, err := svc.UpdateFeeRule(ctx, created); !errors.Is(err, ErrFeeRuleNotFound) {
		t.Fatalf("UpdateFeeRule() error = %v, want %v", err, ErrFeeRuleNotFound)
	}
	if _, err := svc.GetFeeRule(ctx, created.ID); !errors.Is(err, ErrFeeRuleNotFound) {
		t.Fatalf("GetFeeRule() after eviction error = %v, want %v", err, ErrFeeRuleNotFound)
	}
}

func TestServiceCalculateRoundsLinesToCents(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, repository.NewMemoryRepository())

	for _, title := range []string{"Card surcharge", "Platform fee"} {
		if _, err := svc.CreateFeeRule(ctx, core.FeeRule{
			Title:     title,
			FeeType:   core.FeeTypePercentage,
			Amount:    decimal.RequireFromString("1.5"),
			MatchType: core.MatchAny,
			Conditions: []core.Condition{
				{Kind: catalog.CartSubtotal, Operator: catalog.GreaterThan, Values: []string{"0"}},
			},
		}); err != nil {
			t.Fatalf("CreateFeeRule() error = %v", err)
		}
	}

	// 1.5% of 10.33 is 0.15495 per line.
	quote, err := svc.Calculate(ctx, core.RequestContext{CartSubtotal: decimal.RequireFromString("10.33")})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if len(quote.Lines) != 2 {
		t.Fatalf("lines = %+v, want 2", quote.Lines)
	}
	for _, line := range quote.Lines {
		if line.Amount.String() != "0.15" {
			t.Errorf("line %q amount = %s, want 0.15", line.Label, line.Amount)
		}
	}
	if quote.Total.StringFixed(2) != "0.30" {
		t.Fatalf("total = %s, want the sum of the rounded lines 0.30", quote.Total)
	}
	for _, d := range quote.Decisions {
		if d.Applied && d.Amount.String() != "0.15" {
			t.Errorf("decision %s amount = %s, want 0.15", d.RuleID, d.Amount)
		}
	}
}

func TestServiceCreateDuplicateID(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, repository.NewMemoryRepository())

	rule := percentUSRule()
	rule.ID = "dup"
	if _, err := svc.CreateFeeRule(ctx, rule); err != nil {
		t.Fatalf("CreateFeeRule() error = %v", err)
	}
	rule.Amount = decimal.NewFromInt(99)
	if _, err := svc.CreateFeeRule(ctx, rule); !errors.Is(err, ErrFeeRuleExists) {
		t.Fatalf("CreateFeeRule(duplicate) error = %v, want %v", err, ErrFeeRuleExists)
	}

	got, err := svc.GetFeeRule(ctx, "dup")
	if err != nil || !got.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("GetFeeRule() = %+v, %v; want the original amount", got, err)
	}
}

func TestServiceUpdateRequiresID(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryRepository())
	if _, err := svc.UpdateFeeRule(context.Background(), percentUSRule()); !errors.Is(err, ErrIDRequired) {
		t.Fatalf("UpdateFeeRule(no id) error = %v, want %v", err, ErrIDRequired)
	}
}

func TestServiceCalculateSkipsUndecodableRule(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()

	good, err := EncodeRule(NormalizeRule(percentUSRule()))
	if err != nil {
		t.Fatalf("EncodeRule() error = %v", err)
	}
	if _, err := repo.CreateFeeRecord(ctx, good); err != nil {
		t.Fatalf("CreateFeeRecord(good) error = %v", err)
	}
	broken := repository.FeeRecord{
		ID:   "broken",
		Meta: map[string]json.RawMessage{repository.MetaSettings: json.RawMessage(`{"taxable":"perhaps"}`)},
	}
	if _, err := repo.CreateFeeRecord(ctx, broken); err != nil {
		t.Fatalf("CreateFeeRecord(broken) error = %v", err)
	}

	skipped := 0
	svc := newTestService(t, repo, WithUndecodableObserver(func() { skipped++ }))

	quote, err := svc.Calculate(ctx, core.RequestContext{BillingCountryState: "US", CartSubtotal: decimal.NewFromInt(50)})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if len(quote.Lines) != 1 {
		t.Fatalf("len(Lines) = %d, want 1", len(quote.Lines))
	}
	if skipped != 1 {
		t.Fatalf("undecodable observer called %d times, want 1", skipped)
	}

	if _, err := svc.GetFeeRule(ctx, "broken"); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("GetFeeRule(broken) error = %v, want %v", err, ErrInvalidSettings)
	}
	rules, _ := svc.ListFeeRules(ctx)
	if len(rules) != 1 {
		t.Fatalf("ListFeeRules() returned %d rules, want 1", len(rules))
	}
}

func TestServiceCalculateObservesDecisions(t *testing.T) {
	ctx := context.Background()
	var decisions []core.Decision
	svc := newTestService(t, repository.NewMemoryRepository(),
		WithDecisionObserver(func(d core.Decision) { decisions = append(decisions, d) }),
		WithApplicator(core.Applicator{Label: "Surcharge"}),
	)

	if _, err := svc.CreateFeeRule(ctx, percentUSRule()); err != nil {
		t.Fatalf("CreateFeeRule() error = %v", err)
	}
	quote, err := svc.Calculate(ctx, core.RequestContext{BillingCountryState: "US", CartSubtotal: decimal.NewFromInt(20)})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if len(decisions) != 1 || !decisions[0].Applied {
		t.Fatalf("observed decisions = %+v", decisions)
	}
	if quote.Lines[0].Label != "Surcharge" || !quote.Lines[0].Taxable {
		t.Fatalf("line = %+v, want taxable Surcharge line", quote.Lines[0])
	}
}

func TestServiceFreshReadsSeeDirectWrites(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	svc := newTestService(t, repo, WithFreshReads(true))

	record, err := EncodeRule(NormalizeRule(percentUSRule()))
	if err != nil {
		t.Fatalf("EncodeRule() error = %v", err)
	}
	if _, err := repo.CreateFeeRecord(ctx, record); err != nil {
		t.Fatalf("CreateFeeRecord() error = %v", err)
	}

	quote, err := svc.Calculate(ctx, core.RequestContext{BillingCountryState: "US", CartSubtotal: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if len(quote.Lines) != 1 {
		t.Fatalf("fresh read Calculate() lines = %d, want 1", len(quote.Lines))
	}
}

func TestServiceLoadSettingsAndConditions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, repository.NewMemoryRepository())

	rule := percentUSRule()
	rule.ActiveWindow = &core.ActiveWindow{Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	created, err := svc.CreateFeeRule(ctx, rule)
	if err != nil {
		t.Fatalf("CreateFeeRule() error = %v", err)
	}

	settings, err := svc.LoadSettings(ctx, created.ID)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if settings.FeeType != core.FeeTypePercentage || !settings.Taxable || settings.ActiveWindow == nil || !settings.ActiveWindow.End.IsZero() {
		t.Fatalf("LoadSettings() = %+v", settings)
	}

	conditions, err := svc.LoadConditions(ctx, created.ID)
	if err != nil {
		t.Fatalf("LoadConditions() error = %v", err)
	}
	if len(conditions) != 1 || conditions[0].Kind != catalog.BillingCountryState {
		t.Fatalf("LoadConditions() = %+v", conditions)
	}

	if _, err := svc.LoadSettings(ctx, "missing"); !errors.Is(err, ErrFeeRuleNotFound) {
		t.Fatalf("LoadSettings(missing) error = %v, want %v", err, ErrFeeRuleNotFound)
	}
}

func TestServiceReloadsOnInvalidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := &subscribingRepository{MemoryRepository: repository.NewMemoryRepository(), signals: make(chan struct{}, 1)}
	var mu sync.Mutex
	invalidations := 0
	sizes := []int{}
	svc, err := New(ctx, repo,
		WithLogger(quietLogger()),
		WithCacheMetrics(nil, func() {
			mu.Lock()
			invalidations++
			mu.Unlock()
		}, func(n int) {
			mu.Lock()
			sizes = append(sizes, n)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	record, err := EncodeRule(NormalizeRule(percentUSRule()))
	if err != nil {
		t.Fatalf("EncodeRule() error = %v", err)
	}
	record.ID = "written-elsewhere"
	if _, err := repo.CreateFeeRecord(ctx, record); err != nil {
		t.Fatalf("CreateFeeRecord() error = %v", err)
	}
	repo.signals <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rules, _ := svc.ListFeeRules(ctx)
		if len(rules) == 1 && rules[0].ID == "written-elsewhere" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache was not reloaded after invalidation")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if invalidations != 1 {
		t.Fatalf("invalidations = %d, want 1", invalidations)
	}
	if len(sizes) == 0 || sizes[len(sizes)-1] != 1 {
		t.Fatalf("cache sizes = %v, want last 1", sizes)
	}
}

func TestNewRejectsNilRepository(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("New(nil) error = nil, want error")
	}
}

func TestNewFailsWhenInitialLoadFails(t *testing.T) {
	_, err := New(context.Background(), failingRepository{MemoryRepository: repository.NewMemoryRepository()})
	if err == nil {
		t.Fatal("New() error = nil, want load error")
	}
}

type subscribingRepository struct {
	*repository.MemoryRepository
	signals chan struct{}
}

func (r *subscribingRepository) SubscribeFeeRuleInvalidation(context.Context) (<-chan struct{}, error) {
	return r.signals, nil
}

type failingRepository struct {
	*repository.MemoryRepository
}

func (failingRepository) ListFeeRecords(context.Context) ([]repository.FeeRecord, error) {
	return nil, errors.New("connection refused")
}

func (failingRepository) GetFeeRecord(context.Context, string) (repository.FeeRecord, error) {
	return repository.FeeRecord{}, pgx.ErrNoRows
}
