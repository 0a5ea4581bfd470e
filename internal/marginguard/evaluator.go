// Package marginguard implements the margin protection core: a periodic
// scheduler that fans out per-user evaluation jobs, and the evaluator
// that checks each user's open positions against their protection policy
// and fires the configured mitigation when the liquidation-distance
// trigger is crossed.
package marginguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bitguard/marginguard/internal/cache"
	"github.com/bitguard/marginguard/internal/exchange"
	"github.com/bitguard/marginguard/internal/notify"
	"github.com/bitguard/marginguard/internal/queue"
	"github.com/bitguard/marginguard/internal/vault"
	"github.com/bitguard/marginguard/pkg/models"
)

// JobMarginCheck is the per-user evaluation job name.
const JobMarginCheck = "margin-check"

// PolicyReader resolves protection policies.
type PolicyReader interface {
	FindActiveMarginGuardUserIDs(ctx context.Context) ([]uuid.UUID, error)
	GetPolicy(ctx context.Context, userID uuid.UUID) (*models.ProtectionPolicy, error)
}

// CredentialReader resolves sealed exchange credentials.
type CredentialReader interface {
	GetSealedCredentials(ctx context.Context, userID uuid.UUID) (*vault.SealedCredential, error)
}

// ExecutionLog appends audit records.
type ExecutionLog interface {
	Append(ctx context.Context, entry *models.ExecutionLogEntry) error
}

// Notifier delivers user-facing alerts. Best-effort: implementations
// never fail the caller.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, notifType, message string, metadata map[string]string)
	NotifyErrorDelayed(ctx context.Context, userID uuid.UUID, message string, metadata map[string]string)
}

// OutcomeStatus classifies one evaluation run.
type OutcomeStatus string

const (
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeEvaluated OutcomeStatus = "evaluated"
)

// Outcome summarizes one evaluation run.
type Outcome struct {
	Status      OutcomeStatus
	Positions   int
	Triggers    int
	Mitigations int
}

// retry budgets for the evaluation pipeline
const (
	unsealAttempts  = 2
	unsealBaseDelay = 500 * time.Millisecond

	positionAttempts    = 3
	positionBaseBackoff = 2 * time.Second

	priceAttempts    = 2
	priceBaseBackoff = time.Second
)

// Evaluator runs the per-user margin check.
type Evaluator struct {
	policies PolicyReader
	users    CredentialReader
	execLog  ExecutionLog
	vault    *vault.Vault
	cache    *cache.TieredCache
	pool     *exchange.ServicePool
	notifier Notifier
	logger   *zap.Logger
	metrics  *Metrics

	// sleep is swapped out in tests so retry backoffs don't wall-clock.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEvaluator wires an evaluator. All collaborators are required except
// metrics.
func NewEvaluator(
	policies PolicyReader,
	users CredentialReader,
	execLog ExecutionLog,
	v *vault.Vault,
	c *cache.TieredCache,
	pool *exchange.ServicePool,
	notifier Notifier,
	logger *zap.Logger,
	metrics *Metrics,
) *Evaluator {
	return &Evaluator{
		policies: policies,
		users:    users,
		execLog:  execLog,
		vault:    v,
		cache:    c,
		pool:     pool,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type marginCheckPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// NewMarginCheckJob builds the queue job for one user's evaluation.
func NewMarginCheckJob(userID uuid.UUID) (*queue.Job, error) {
	return queue.NewJob(queue.QueueMarginCheck, JobMarginCheck, marginCheckPayload{UserID: userID}, queue.Options{
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
	})
}

// RegisterHandlers binds the evaluation job to a worker draining the
// margin-check queue.
func (e *Evaluator) RegisterHandlers(w *queue.Worker) {
	w.Register(JobMarginCheck, func(ctx context.Context, job *queue.Job) error {
		var payload marginCheckPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed margin-check payload: %w", err)
		}
		_, err := e.Evaluate(ctx, payload.UserID)
		return err
	})
}

// Evaluate runs one user's margin check end to end: policy → credentials
// → pooled client → positions + price → trigger decision → mitigation.
// Mitigation failures propagate so the queue's retry accounting applies.
func (e *Evaluator) Evaluate(ctx context.Context, userID uuid.UUID) (Outcome, error) {
	if e.policies == nil || e.users == nil || e.execLog == nil {
		return Outcome{}, &DependencyNotReadyError{Dependency: "repositories"}
	}

	policy, err := e.policies.GetPolicy(ctx, userID)
	if err != nil {
		return Outcome{}, &TransientNetworkError{Op: "policy lookup", Err: err}
	}
	if policy == nil || !policy.Enabled {
		return Outcome{Status: OutcomeSkipped}, nil
	}

	creds, err := e.resolveCredentials(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}

	client, err := e.pool.GetOrCreate(userID, creds)
	if err != nil {
		return Outcome{}, &TransientNetworkError{Op: "exchange client", Err: err}
	}

	positions := e.fetchPositions(ctx, client, userID)
	outcome := Outcome{Status: OutcomeEvaluated, Positions: len(positions)}
	if len(positions) == 0 {
		return outcome, nil
	}

	prices := make(map[string]decimal.Decimal)
	var mitigationErr error
	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			price, err = e.fetchIndexPrice(ctx, client, pos.Symbol)
			if err != nil {
				// no safe default exists for the trigger calculation
				return outcome, err
			}
			prices[pos.Symbol] = price
		}

		trigger := EvaluateTrigger(pos, price, policy.MarginThresholdPct)
		if !trigger.Fired {
			continue
		}
		outcome.Triggers++
		if e.metrics != nil {
			e.metrics.TriggersTotal.Inc()
		}

		if policy.Action != models.ActionClosePosition && e.onCooldown(ctx, pos.ID) {
			e.logger.Debug("mitigation suppressed by cooldown",
				zap.String("user_id", userID.String()),
				zap.String("trade_id", pos.ID))
			continue
		}

		e.notifier.Notify(ctx, userID, notify.TypeTriggerAlert,
			fmt.Sprintf("Margin threshold crossed on %s: price %s is past trigger %s",
				pos.Symbol, price.String(), trigger.TriggerPrice.String()),
			map[string]string{
				"symbol":        pos.Symbol,
				"trade_id":      pos.ID,
				"trigger_price": trigger.TriggerPrice.String(),
				"current_price": price.String(),
			})

		if err := e.mitigate(ctx, client, policy, pos, trigger, price); err != nil {
			mitigationErr = err
			continue
		}
		outcome.Mitigations++
		if e.metrics != nil {
			e.metrics.MitigationsTotal.Inc()
		}
		if policy.Action != models.ActionClosePosition {
			e.markCooldown(ctx, pos.ID)
		}
	}

	return outcome, mitigationErr
}

// resolveCredentials follows the cache → repository → vault chain. Only
// the sealed form ever enters the cache; the plaintext triple exists on
// the stack for the duration of the evaluation.
func (e *Evaluator) resolveCredentials(ctx context.Context, userID uuid.UUID) (models.Credentials, error) {
	var sealed vault.SealedCredential
	if !cache.GetJSON(ctx, e.cache, userID.String(), cache.CategoryCredentials, &sealed) {
		fromRepo, err := e.users.GetSealedCredentials(ctx, userID)
		if err != nil {
			return models.Credentials{}, &TransientNetworkError{Op: "credential lookup", Err: err}
		}
		if fromRepo == nil {
			return models.Credentials{}, &ConfigError{Field: "credentials", Reason: "no exchange credentials stored"}
		}
		sealed = *fromRepo
		cache.SetJSON(ctx, e.cache, userID.String(), cache.CategoryCredentials, sealed)
	}

	var lastErr error
	for attempt := 1; attempt <= unsealAttempts; attempt++ {
		creds, err := e.vault.Unseal(sealed)
		if err == nil {
			return creds, nil
		}
		lastErr = err

		var integrity *vault.IntegrityError
		if !errors.As(err, &integrity) {
			break
		}
		if attempt < unsealAttempts {
			if err := e.sleep(ctx, time.Duration(attempt)*unsealBaseDelay); err != nil {
				return models.Credentials{}, err
			}
		}
	}
	// a cached copy may have gone stale relative to the stored row
	e.cache.Delete(ctx, userID.String(), cache.CategoryCredentials)
	return models.Credentials{}, lastErr
}

// fetchPositions retries with exponential backoff, then degrades to an
// empty book rather than failing the job.
func (e *Evaluator) fetchPositions(ctx context.Context, client exchange.Client, userID uuid.UUID) []models.Position {
	backoff := positionBaseBackoff
	for attempt := 1; attempt <= positionAttempts; attempt++ {
		positions, err := client.GetRunningPositions(ctx)
		if err == nil {
			return positions
		}
		e.logger.Warn("position fetch failed",
			zap.String("user_id", userID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < positionAttempts {
			if e.sleep(ctx, backoff) != nil {
				return nil
			}
			backoff *= 2
		}
	}
	e.logger.Warn("position fetch exhausted retries, treating as no open positions",
		zap.String("user_id", userID.String()))
	return nil
}

// fetchIndexPrice is bounded-effort; exhaustion fails the evaluation.
func (e *Evaluator) fetchIndexPrice(ctx context.Context, client exchange.Client, symbol string) (decimal.Decimal, error) {
	var lastErr error
	backoff := priceBaseBackoff
	for attempt := 1; attempt <= priceAttempts; attempt++ {
		price, err := client.GetIndexPrice(ctx, symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if attempt < priceAttempts {
			if err := e.sleep(ctx, backoff); err != nil {
				return decimal.Zero, err
			}
			backoff *= 2
		}
	}
	return decimal.Zero, &TransientNetworkError{Op: "index price " + symbol, Err: lastErr}
}

// mitigate executes exactly one action, appends the audit record for
// both outcomes, and emits the outcome notification.
func (e *Evaluator) mitigate(
	ctx context.Context,
	client exchange.Client,
	policy *models.ProtectionPolicy,
	pos models.Position,
	trigger Trigger,
	price decimal.Decimal,
) error {
	start := time.Now()
	result, err := e.executeAction(ctx, client, policy, pos)
	duration := time.Since(start).Milliseconds()

	entry := &models.ExecutionLogEntry{
		UserID:          policy.UserID,
		PolicyID:        policy.ID,
		TradeID:         pos.ID,
		Action:          policy.Action,
		TriggerSnapshot: trigger.snapshot(pos, price),
		ExecutionResult: result,
		DurationMs:      duration,
	}

	if err != nil {
		entry.Status = models.ExecutionError
		entry.ErrorMessage = err.Error()
		if logErr := e.execLog.Append(ctx, entry); logErr != nil {
			e.logger.Error("failed to append execution log", zap.Error(logErr))
		}

		e.logger.Error("mitigation failed",
			zap.String("user_id", policy.UserID.String()),
			zap.String("trade_id", pos.ID),
			zap.String("action", string(policy.Action)),
			zap.Int64("duration_ms", duration),
			zap.Error(err))
		e.notifier.NotifyErrorDelayed(ctx, policy.UserID,
			fmt.Sprintf("Automated %s on %s failed: %v", policy.Action, pos.Symbol, err),
			map[string]string{"symbol": pos.Symbol, "trade_id": pos.ID})

		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		return &MitigationError{Action: policy.Action, TradeID: pos.ID, Err: err}
	}

	entry.Status = models.ExecutionSuccess
	if logErr := e.execLog.Append(ctx, entry); logErr != nil {
		e.logger.Error("failed to append execution log", zap.Error(logErr))
	}

	e.logger.Info("mitigation executed",
		zap.String("user_id", policy.UserID.String()),
		zap.String("trade_id", pos.ID),
		zap.String("action", string(policy.Action)),
		zap.Int64("duration_ms", duration))
	e.notifier.Notify(ctx, policy.UserID, notify.TypeMitigationOutcome,
		fmt.Sprintf("Automated %s executed on %s", policy.Action, pos.Symbol),
		map[string]string{"symbol": pos.Symbol, "trade_id": pos.ID})
	return nil
}

// executeAction dispatches the policy's mitigation against the exchange.
func (e *Evaluator) executeAction(
	ctx context.Context,
	client exchange.Client,
	policy *models.ProtectionPolicy,
	pos models.Position,
) (*models.ExecutionResult, error) {
	switch policy.Action {
	case models.ActionClosePosition:
		if err := client.ClosePosition(ctx, pos.ID); err != nil {
			return nil, err
		}
		return &models.ExecutionResult{}, nil

	case models.ActionReducePosition:
		if policy.ReducePct == nil {
			return nil, &ConfigError{Field: "reduce_pct", Reason: "required for reduce_position"}
		}
		amount := pos.Quantity.Mul(policy.ReducePct.Div(hundred))
		if err := client.ReducePosition(ctx, pos.Symbol, pos.Side, amount); err != nil {
			return nil, err
		}
		return &models.ExecutionResult{AmountReduced: &amount}, nil

	case models.ActionAddMargin:
		pct := policy.AddMarginPct
		if pct == nil {
			// legacy rows reused the reduce percentage for margin top-ups
			pct = policy.ReducePct
		}
		if pct == nil {
			return nil, &ConfigError{Field: "add_margin_pct", Reason: "required for add_margin"}
		}
		amount := pos.Margin.Mul(pct.Div(hundred)).Floor()
		if amount.LessThanOrEqual(decimal.Zero) {
			return nil, &ConfigError{Field: "add_margin_pct", Reason: "computed margin amount is not positive"}
		}
		if err := client.AddMargin(ctx, pos.ID, amount); err != nil {
			return nil, err
		}
		newMargin := pos.Margin.Add(amount)
		return &models.ExecutionResult{MarginAdded: &amount, NewMargin: &newMargin}, nil

	default:
		return nil, &ConfigError{Field: "action", Reason: "unknown mitigation action " + string(policy.Action)}
	}
}

// Cooldown markers keep a sustained breach from repeating a partial
// mitigation every tick. Close is naturally idempotent and bypasses
// them. Expiry rides on the mitigation category TTL.

func (e *Evaluator) onCooldown(ctx context.Context, tradeID string) bool {
	_, ok := e.cache.Get(ctx, "cooldown:"+tradeID, cache.CategoryMitigation)
	return ok
}

func (e *Evaluator) markCooldown(ctx context.Context, tradeID string) {
	e.cache.Set(ctx, "cooldown:"+tradeID, []byte("1"), cache.CategoryMitigation)
}
