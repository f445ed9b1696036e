// Package poller drives expiry lookups for a set of domains through a bounded worker pool and
// persists what it learns.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devinshawntripp/pbnsupplyscripts/pkg/classify"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/db"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/lookup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/devinshawntripp/pbnsupplyscripts/pkg/poller"

// progressEvery is how many results pass between progress log lines
const progressEvery = 1000

// ErrAbandoned is the cancellation cause that also drops results not yet written. Any other
// cancellation stops dispatch but still persists the lookups that completed.
var ErrAbandoned = errors.New("run abandoned")

// writeContext returns the context to write under. After an ordinary cancellation the write
// is detached from it. ok is false when the run was abandoned.
func writeContext(ctx context.Context) (wctx context.Context, ok bool) {
	if ctx.Err() == nil {
		return ctx, true
	}
	if errors.Is(context.Cause(ctx), ErrAbandoned) {
		return ctx, false
	}
	return context.WithoutCancel(ctx), true
}

// Publisher receives the findings of a run once it is over
type Publisher interface {
	Publish(ctx context.Context, findings []Finding) error
}

// Options tune a run. Zero values fall back to DefaultOptions.
type Options struct {
	// Workers bounds the number of lookups in flight
	Workers int
	// BatchSize is the number of records per UpsertMany
	BatchSize int
	// LookupTimeout bounds a single lookup
	LookupTimeout time.Duration
	// MinSpacing is the minimum gap between two dispatches, 0 disables pacing
	MinSpacing time.Duration
	// Deadline stops dispatching new lookups once elapsed. In-flight lookups still finish.
	Deadline time.Duration
	// Freshness is how long a check stays valid
	Freshness time.Duration
	// Horizon is how far ahead maintenance looks for upcoming expiries
	Horizon time.Duration
	// NearExpiryDays is the near_expiry threshold
	NearExpiryDays int
	// Force skips the freshness filter
	Force bool
	// Direct makes workers write their own record instead of batching
	Direct bool
	// ContinueOnStoreError keeps the run going after a failed batch
	ContinueOnStoreError bool
}

// DefaultOptions returns the options used for anything left unset
func DefaultOptions() Options {
	return Options{
		Workers:        2,
		BatchSize:      500,
		LookupTimeout:  10 * time.Second,
		Freshness:      30 * 24 * time.Hour,
		Horizon:        30 * 24 * time.Hour,
		NearExpiryDays: classify.DefaultThresholdDays,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = d.LookupTimeout
	}
	if o.Freshness <= 0 {
		o.Freshness = d.Freshness
	}
	if o.Horizon <= 0 {
		o.Horizon = d.Horizon
	}
	if o.NearExpiryDays <= 0 {
		o.NearExpiryDays = d.NearExpiryDays
	}
	return o
}

// Poller checks domains against a lookup client and records the results in a store
type Poller struct {
	Store     db.ExpiryDB
	Lookup    lookup.Client
	Options   Options
	Logger    *zerolog.Logger
	Metrics   *Metrics
	Publisher Publisher
	// Now is the clock, time.Now when nil
	Now func() time.Time
}

// New returns a poller with the given options
func New(store db.ExpiryDB, client lookup.Client, opts Options) *Poller {
	return &Poller{Store: store, Lookup: client, Options: opts}
}

func (p *Poller) logger() *zerolog.Logger {
	if p.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return p.Logger
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// result is what a worker hands to the aggregator
type result struct {
	name    string
	expiry  *time.Time
	err     error
	class   classify.Class
	checked time.Time
	// rec is the record to persist, nil when there is nothing to write
	rec *db.Record
	// direct mode only
	written  bool
	storeErr error
	// skipped is set for work that was queued but found the dispatch window closed
	skipped bool
}

// Maintain re-checks every stored domain that has no expiry date or expires within the horizon
func (p *Poller) Maintain(ctx context.Context, now time.Time) (Summary, error) {
	opts := p.Options.withDefaults()
	due, err := p.Store.DueForCheck(ctx, now, opts.Horizon)
	if err != nil {
		return newSummary(""), fmt.Errorf("listing domains due for a check: %w", err)
	}
	names := make([]string, 0, len(due))
	for _, d := range due {
		names = append(names, d.Name)
	}
	p.logger().Info().Int("due", len(names)).Dur("horizon", opts.Horizon).Msg("maintenance run")
	return p.Run(ctx, names)
}

// Run looks up every name once and persists the results. Lookup failures never abort the run.
// A failed batch write stops dispatch unless ContinueOnStoreError is set; the returned summary
// is valid in every case.
func (p *Poller) Run(ctx context.Context, names []string) (sum Summary, err error) {
	start := time.Now()
	opts := p.Options.withDefaults()
	sum = newSummary(uuid.NewString())
	log := p.logger().With().Str("run_id", sum.RunID).Logger()
	defer func() { sum.Duration = time.Since(start) }()

	candidates := dedupe(names)
	sum.Candidates = len(candidates)
	todo := candidates
	if !opts.Force && len(candidates) > 0 {
		stale, err := p.Store.Stale(ctx, candidates, p.now(), opts.Freshness)
		if err != nil {
			return sum, fmt.Errorf("filtering fresh domains: %w", err)
		}
		sum.SkippedFresh = len(candidates) - len(stale)
		todo = stale
	}
	log.Info().
		Int("candidates", sum.Candidates).
		Int("skipped_fresh", sum.SkippedFresh).
		Int("workers", opts.Workers).
		Bool("direct", opts.Direct).
		Msg("starting run")
	if len(todo) == 0 {
		return sum, nil
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(dispatchCtx, opts.Deadline)
		defer cancel()
	}

	results := make(chan result, opts.Workers)
	agg := &aggregator{
		p:      p,
		opts:   opts,
		sum:    &sum,
		log:    &log,
		stop:   stopDispatch,
		total:  len(todo),
		start:  start,
		direct: opts.Direct,
	}
	aggDone := make(chan error, 1)
	go func() { aggDone <- agg.run(ctx, results) }()

	var limiter *rate.Limiter
	if opts.MinSpacing > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinSpacing), 1)
	}

	var g errgroup.Group
	g.SetLimit(opts.Workers)
	dispatched := 0
	for _, name := range todo {
		if limiter != nil {
			if err := limiter.Wait(dispatchCtx); err != nil {
				break
			}
		}
		if dispatchCtx.Err() != nil {
			break
		}
		dispatched++
		g.Go(func() error {
			// g.Go may have blocked on a full pool while the window closed
			if dispatchCtx.Err() != nil {
				results <- result{name: name, skipped: true}
				return nil
			}
			results <- p.check(ctx, name, opts)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	runErr := <-aggDone

	sum.NotDispatched += len(todo) - dispatched
	if sum.NotDispatched > 0 {
		log.Warn().Int("not_dispatched", sum.NotDispatched).Msg("dispatch stopped before every domain was checked")
	}

	if p.Publisher != nil && len(sum.Findings) > 0 {
		if err := p.Publisher.Publish(ctx, sum.Findings); err != nil {
			log.Error().Err(err).Int("findings", len(sum.Findings)).Msg("failed to publish findings")
		}
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = context.Cause(ctx)
	}
	return sum, runErr
}

// check runs one lookup and works out what, if anything, should be written
func (p *Poller) check(ctx context.Context, name string, opts Options) result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "lookup", trace.WithAttributes(attribute.String("domain", name)))
	defer span.End()

	lctx, cancel := context.WithTimeout(ctx, opts.LookupTimeout)
	began := time.Now()
	p.Metrics.lookupStarted()
	expiry, err := p.Lookup.Lookup(lctx, name)
	cancel()

	res := result{name: name, expiry: expiry, err: err, checked: p.now()}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(lookup.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case expiry == nil:
		outcome = "absent"
	}
	p.Metrics.lookupFinished(outcome, time.Since(began))

	if err == nil && expiry != nil {
		utc := expiry.UTC()
		res.expiry = &utc
		res.class = classify.Classify(res.expiry, res.checked, opts.NearExpiryDays)
		res.rec = &db.Record{
			Name:       name,
			ExpiryDate: res.expiry,
			IsExpired:  classify.IsExpired(res.expiry, res.checked),
			CheckedAt:  res.checked,
		}
	} else {
		res.class = classify.Unknown
		var dated bool
		res.rec, dated = p.carryOver(ctx, name, res.checked)
		if err == nil && !dated {
			res.rec = &db.Record{Name: name, CheckedAt: res.checked}
		}
	}

	if opts.Direct && res.rec != nil {
		wctx, ok := writeContext(ctx)
		if !ok {
			res.rec = nil
			return res
		}
		if werr := p.Store.Upsert(wctx, *res.rec); werr != nil {
			res.storeErr = werr
		} else {
			res.written = true
		}
	}
	return res
}

// carryOver returns the record to write when a lookup yields no date. A known prior date is kept
// along with its CheckedAt, with IsExpired brought up to date. dated is false only when the store
// positively has no prior date. The record is nil when there is nothing to write.
func (p *Poller) carryOver(ctx context.Context, name string, now time.Time) (rec *db.Record, dated bool) {
	prior, ok, err := p.Store.Get(ctx, name)
	if err != nil {
		p.logger().Warn().Err(err).Str("domain", name).Msg("failed to read prior record")
		return nil, true
	}
	if !ok || prior.ExpiryDate == nil {
		return nil, false
	}
	expired := classify.IsExpired(prior.ExpiryDate, now)
	if expired == prior.IsExpired {
		return nil, true
	}
	prior.IsExpired = expired
	return &prior, true
}

type aggregator struct {
	p      *Poller
	opts   Options
	sum    *Summary
	log    *zerolog.Logger
	stop   context.CancelFunc
	total  int
	start  time.Time
	direct bool

	batch    []db.Record
	seen     int
	aborted  bool
	firstErr error
}

// run is the only writer of the summary until results is closed
func (a *aggregator) run(ctx context.Context, results <-chan result) error {
	a.batch = make([]db.Record, 0, a.opts.BatchSize)
	for res := range results {
		a.handle(ctx, res)
	}
	if !a.aborted {
		a.flush(ctx)
	} else if len(a.batch) > 0 {
		a.log.Warn().Int("records", len(a.batch)).Msg("dropping unwritten records after store failure")
	}
	return a.firstErr
}

func (a *aggregator) handle(ctx context.Context, res result) {
	if res.skipped {
		a.sum.NotDispatched++
		return
	}
	a.sum.Attempted++
	a.seen++

	if res.err != nil {
		kind := lookup.KindOf(res.err)
		a.sum.Failed++
		a.sum.FailuresByKind[kind]++
		a.log.Warn().Err(res.err).Str("domain", res.name).Str("kind", string(kind)).Msg("lookup failed")
	} else {
		a.sum.Succeeded++
		a.log.Debug().Str("domain", res.name).Str("class", string(res.class)).Msg("checked")
	}
	a.sum.Classes[res.class]++
	a.p.Metrics.classified(string(res.class))

	if res.err == nil && (res.class == classify.Expired || res.class == classify.NearExpiry) {
		a.sum.Findings = append(a.sum.Findings, Finding{
			Name:       res.name,
			Class:      res.class,
			ExpiryDate: res.expiry,
			CheckedAt:  res.checked,
		})
	}

	switch {
	case res.rec == nil:
	case a.direct && res.written:
		a.sum.Persisted++
		a.p.Metrics.flushed(true, 1)
	case a.direct:
		a.sum.StoreErrors++
		a.p.Metrics.flushed(false, 1)
		a.log.Error().Err(res.storeErr).Str("domain", res.name).Msg("failed to write record")
	case !a.aborted:
		a.batch = append(a.batch, *res.rec)
		if len(a.batch) >= a.opts.BatchSize {
			a.flush(ctx)
		}
	}

	if a.seen%progressEvery == 0 {
		a.log.Info().
			Int("processed", a.seen).
			Int("total", a.total).
			Dur("elapsed", time.Since(a.start)).
			Msg("progress")
	}
}

func (a *aggregator) flush(ctx context.Context) {
	if len(a.batch) == 0 {
		return
	}
	ctx, ok := writeContext(ctx)
	if !ok {
		a.log.Warn().Int("records", len(a.batch)).Msg("dropping unwritten records, run abandoned")
		a.batch = a.batch[:0]
		return
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "flush", trace.WithAttributes(attribute.Int("records", len(a.batch))))
	defer span.End()

	n := len(a.batch)
	err := a.p.Store.UpsertMany(ctx, a.batch)
	a.batch = a.batch[:0]
	if err == nil {
		a.sum.Persisted += n
		a.p.Metrics.flushed(true, n)
		a.log.Debug().Int("records", n).Msg("batch committed")
		return
	}

	var se *db.StoreError
	if !errors.As(err, &se) {
		se = &db.StoreError{Size: n, Err: err}
	}
	span.RecordError(se)
	span.SetStatus(codes.Error, "batch upsert failed")
	a.sum.StoreErrors += n
	a.p.Metrics.flushed(false, n)
	a.log.Error().Err(se).Int("records", n).Msg("batch upsert failed")

	if a.firstErr == nil {
		a.firstErr = se
	}
	if !a.opts.ContinueOnStoreError {
		a.aborted = true
		a.stop()
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
