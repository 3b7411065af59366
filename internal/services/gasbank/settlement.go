package gasbank

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/R3E-Network/gasbank/internal/domain/gasbank"
	"github.com/R3E-Network/gasbank/internal/metrics"
	"github.com/R3E-Network/gasbank/internal/system"
	"github.com/R3E-Network/gasbank/pkg/logger"
)

// Settlement attempt outcomes recorded on the audit trail.
const (
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
	AttemptRetrying  = "retrying"
	AttemptError     = "error"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultMaxAttempts  = 5
	scheduleSweepLimit  = 100
)

// WithdrawalResolver decides whether a pending withdrawal has settled on
// chain. done=false means try again no earlier than retryAfter from now;
// err marks an infrastructure failure that still consumes an attempt.
type WithdrawalResolver interface {
	Resolve(ctx context.Context, tx domain.Transaction) (done, success bool, message string, retryAfter time.Duration, err error)
}

// SettlementPoller drives pending withdrawals to completion: it activates
// due schedules, asks the resolver about each pending withdrawal, records
// every attempt, and dead-letters withdrawals that exhaust their retry
// budget.
type SettlementPoller struct {
	service  *Service
	resolver WithdrawalResolver
	log      *logger.Logger
	metrics  *metrics.Metrics

	interval    time.Duration
	maxAttempts int

	mu          sync.Mutex
	nextAttempt map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// NewSettlementPoller builds a poller with the default retry policy. A nil
// logger is replaced with a default one.
func NewSettlementPoller(service *Service, resolver WithdrawalResolver, log *logger.Logger) *SettlementPoller {
	if log == nil {
		log = logger.NewDefault("gasbank-settlement")
	}
	return &SettlementPoller{
		service:     service,
		resolver:    resolver,
		log:         log,
		interval:    defaultPollInterval,
		maxAttempts: defaultMaxAttempts,
		nextAttempt: make(map[string]time.Time),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// WithRetryPolicy overrides the attempt budget and poll interval.
// Non-positive values keep the current setting.
func (p *SettlementPoller) WithRetryPolicy(maxAttempts int, interval time.Duration) *SettlementPoller {
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if interval > 0 {
		p.interval = interval
	}
	return p
}

// WithMetrics attaches settlement instrumentation.
func (p *SettlementPoller) WithMetrics(m *metrics.Metrics) *SettlementPoller {
	p.metrics = m
	return p
}

// Name implements system.Service.
func (p *SettlementPoller) Name() string { return "gasbank-settlement-poller" }

var _ system.Service = (*SettlementPoller)(nil)

// Start launches the poll loop.
func (p *SettlementPoller) Start(ctx context.Context) error {
	go p.run()
	return nil
}

// Stop halts the loop and waits for the current tick to finish.
func (p *SettlementPoller) Stop(ctx context.Context) error {
	close(p.stop)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SettlementPoller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			p.tick(ctx)
			cancel()
		}
	}
}

// tick runs one settlement pass. Exported through Tick for tests and for
// the cron sweep.
func (p *SettlementPoller) Tick(ctx context.Context) {
	p.tick(ctx)
}

func (p *SettlementPoller) tick(ctx context.Context) {
	if activated, err := p.service.ActivateDueSchedules(ctx, scheduleSweepLimit); err != nil {
		p.log.WithError(err).Warn("schedule activation sweep failed")
	} else if activated > 0 {
		p.log.WithField("activated", activated).Info("scheduled withdrawals activated")
	}

	pending, err := p.service.ListPendingWithdrawals(ctx)
	if err != nil {
		p.log.WithError(err).Warn("could not list pending withdrawals")
		return
	}
	now := time.Now().UTC()
	for _, tx := range pending {
		if !p.shouldAttempt(tx, now) {
			continue
		}
		p.settle(ctx, tx)
	}
	p.pruneSchedules(pending)
}

// shouldAttempt honors per-withdrawal backoff. The in-memory map is seeded
// from the persisted NextAttemptAt so restarts do not hammer the resolver.
func (p *SettlementPoller) shouldAttempt(tx domain.Transaction, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[tx.ID]
	if !ok {
		next = tx.NextAttemptAt
		p.nextAttempt[tx.ID] = next
	}
	return next.IsZero() || !next.After(now)
}

func (p *SettlementPoller) scheduleNext(transactionID string, after time.Duration) time.Time {
	at := time.Now().UTC().Add(after)
	p.mu.Lock()
	p.nextAttempt[transactionID] = at
	p.mu.Unlock()
	return at
}

func (p *SettlementPoller) clearSchedule(transactionID string) {
	p.mu.Lock()
	delete(p.nextAttempt, transactionID)
	p.mu.Unlock()
}

// pruneSchedules drops backoff entries for withdrawals no longer pending.
func (p *SettlementPoller) pruneSchedules(pending []domain.Transaction) {
	alive := make(map[string]bool, len(pending))
	for _, tx := range pending {
		alive[tx.ID] = true
	}
	p.mu.Lock()
	for id := range p.nextAttempt {
		if !alive[id] {
			delete(p.nextAttempt, id)
		}
	}
	p.mu.Unlock()
}

func (p *SettlementPoller) settle(ctx context.Context, tx domain.Transaction) {
	started := time.Now().UTC()
	done, success, message, retryAfter, err := p.resolver.Resolve(ctx, tx)
	latency := time.Since(started)

	attempt := domain.SettlementAttempt{
		TransactionID: tx.ID,
		Attempt:       tx.ResolverAttempt + 1,
		StartedAt:     started,
		CompletedAt:   started.Add(latency),
		Latency:       latency,
	}
	switch {
	case err != nil:
		attempt.Status = AttemptError
		attempt.Error = err.Error()
	case done && success:
		attempt.Status = AttemptSucceeded
	case done:
		attempt.Status = AttemptFailed
		attempt.Error = message
	default:
		attempt.Status = AttemptRetrying
		attempt.Error = message
	}
	recorded, recErr := p.service.RecordSettlementAttempt(ctx, attempt)
	if recErr != nil {
		p.log.WithError(recErr).WithField("transaction_id", tx.ID).Warn("could not record settlement attempt")
	} else {
		attempt = recorded
	}
	if p.metrics != nil {
		p.metrics.RecordSettlement(attempt.Status, latency)
	}

	if done {
		p.clearSchedule(tx.ID)
		if clearErr := p.service.SetNextAttempt(ctx, tx.ID, time.Time{}); clearErr != nil {
			p.log.WithError(clearErr).WithField("transaction_id", tx.ID).Warn("could not clear backoff")
		}
		if _, err := p.service.CompleteWithdrawal(ctx, tx.ID, success, "", message); err != nil {
			p.log.WithError(err).WithField("transaction_id", tx.ID).Error("settlement completion failed")
		}
		return
	}

	if attempt.Attempt >= p.maxAttempts {
		p.promoteDeadLetter(ctx, tx, attempt)
		return
	}

	if retryAfter <= 0 {
		retryAfter = p.interval
	}
	at := p.scheduleNext(tx.ID, retryAfter)
	if err := p.service.SetNextAttempt(ctx, tx.ID, at); err != nil {
		p.log.WithError(err).WithField("transaction_id", tx.ID).Warn("could not persist backoff")
	}
}

func (p *SettlementPoller) promoteDeadLetter(ctx context.Context, tx domain.Transaction, attempt domain.SettlementAttempt) {
	p.clearSchedule(tx.ID)
	reason := fmt.Sprintf("settlement not confirmed after %d attempts", attempt.Attempt)
	if attempt.Error != "" {
		reason = fmt.Sprintf("%s: %s", reason, attempt.Error)
	}
	if _, err := p.service.MarkDeadLetter(ctx, tx.ID, reason); err != nil {
		p.log.WithError(err).WithField("transaction_id", tx.ID).Error("could not dead-letter withdrawal")
		return
	}
	if p.metrics != nil {
		p.metrics.RecordDeadLetter()
	}
}

// TimeoutResolver is the fallback resolver: it never confirms a
// withdrawal, it only fails those that stay pending past the timeout. It
// exists so unattended withdrawals cannot reserve funds forever.
type TimeoutResolver struct {
	timeout time.Duration
	seen    sync.Map // transaction id -> time.Time first observed
}

// NewTimeoutResolver builds a resolver that fails withdrawals still
// pending after timeout. Non-positive timeouts use five minutes.
func NewTimeoutResolver(timeout time.Duration) *TimeoutResolver {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TimeoutResolver{timeout: timeout}
}

// Resolve implements WithdrawalResolver.
func (r *TimeoutResolver) Resolve(ctx context.Context, tx domain.Transaction) (bool, bool, string, time.Duration, error) {
	now := time.Now().UTC()
	firstSeen, _ := r.seen.LoadOrStore(tx.ID, now)
	if now.Sub(firstSeen.(time.Time)) >= r.timeout {
		r.seen.Delete(tx.ID)
		return true, false, fmt.Sprintf("no settlement confirmation within %s", r.timeout), 0, nil
	}
	return false, false, "awaiting confirmation", r.timeout / 4, nil
}
