// Package mutation orchestrates the adjustStock/reserveStock write
// pipeline: idempotency check, per-key serialization, optional cross-
// process lease, optimistic-version check, event append, then state
// upsert, in that order.
package mutation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/eventlog"
	"github.com/shelfsync/shelfsync/internal/idempotency"
	"github.com/shelfsync/shelfsync/internal/inventory"
	"github.com/shelfsync/shelfsync/internal/keyserial"
	"github.com/shelfsync/shelfsync/internal/lock"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/platform/apierr"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
)

// Kind distinguishes adjust from reserve for the shared algorithm.
type kind int

const (
	kindAdjust kind = iota
	kindReserve
)

func (k kind) String() string {
	if k == kindReserve {
		return "reserve"
	}
	return "adjust"
}

// outcomeLabel maps an error (nil on success) to the MutationOutcomes
// counter's "result" label.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if apiErr, ok := apierr.As(err); ok {
		return string(apiErr.Kind)
	}
	return "error"
}

// LockConfig carries the lease-lock tunables the mutation service needs;
// owned by internal/platform/config.LockConfig but passed in narrowed
// form to avoid an import of the config package here.
type LockConfig struct {
	Enabled      bool
	TTL          time.Duration
	OwnerID      string
	RetryAfter   time.Duration
}

// Service orchestrates adjustStock/reserveStock.
type Service struct {
	inventory   *inventory.Store
	eventLog    *eventlog.Store
	idempotency *idempotency.Store
	serializer  *keyserial.Serializer
	locks       *lock.Manager
	lockCfg     LockConfig
	idempTTL    time.Duration
	clock       clock.Clock
	metrics     *metrics.Registry
}

// New builds a Service. locks may be nil when LOCKS_ENABLED is false.
// m may be nil, in which case mutation outcomes are not recorded.
func New(inv *inventory.Store, log *eventlog.Store, idemp *idempotency.Store, ser *keyserial.Serializer, locks *lock.Manager, lockCfg LockConfig, idempTTL time.Duration, clk clock.Clock, m *metrics.Registry) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		inventory:   inv,
		eventLog:    log,
		idempotency: idemp,
		serializer:  ser,
		locks:       locks,
		lockCfg:     lockCfg,
		idempTTL:    idempTTL,
		clock:       clk,
		metrics:     m,
	}
}

// AdjustStock applies delta (positive or negative) to (storeID, sku).
func (s *Service) AdjustStock(ctx context.Context, storeID, sku string, delta int64, expectedVersion *int64, idempotencyKey string) (domain.MutationResult, error) {
	payload := map[string]any{"op": "adjust", "storeId": storeID, "sku": sku, "delta": delta, "expectedVersion": versionOrNil(expectedVersion)}
	result, err := s.run(ctx, kindAdjust, storeID, sku, delta, expectedVersion, idempotencyKey, payload)
	s.observe(kindAdjust, err)
	return result, err
}

// ReserveStock reserves qty (must be > 0) from (storeID, sku).
func (s *Service) ReserveStock(ctx context.Context, storeID, sku string, qty int64, expectedVersion *int64, idempotencyKey string) (domain.MutationResult, error) {
	if qty <= 0 {
		err := apierr.Validation("reserve qty must be > 0, got %d", qty)
		s.observe(kindReserve, err)
		return domain.MutationResult{}, err
	}
	payload := map[string]any{"op": "reserve", "storeId": storeID, "sku": sku, "qty": qty, "expectedVersion": versionOrNil(expectedVersion)}
	result, err := s.run(ctx, kindReserve, storeID, sku, qty, expectedVersion, idempotencyKey, payload)
	s.observe(kindReserve, err)
	return result, err
}

func (s *Service) observe(k kind, err error) {
	if s.metrics != nil {
		s.metrics.MutationOutcome(k.String(), outcomeLabel(err))
	}
}

func versionOrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *Service) run(ctx context.Context, k kind, storeID, sku string, amount int64, expectedVersion *int64, idempotencyKey string, payload map[string]any) (domain.MutationResult, error) {
	if idempotencyKey != "" {
		check, err := s.idempotency.Check(idempotencyKey, payload)
		if err != nil {
			return domain.MutationResult{}, err
		}
		if check.Conflict {
			return domain.MutationResult{}, apierr.IdempotencyConflict(idempotencyKey)
		}
		if check.Hit {
			if result, ok := check.CachedResult.(domain.MutationResult); ok {
				return result, nil
			}
		}
		if err := s.idempotency.Reserve(idempotencyKey, payload, s.idempTTL); err != nil {
			return domain.MutationResult{}, err
		}
	}

	result, err := keyserial.Run(ctx, s.serializer, sku, func(ctx context.Context) (domain.MutationResult, error) {
		return s.runLocked(ctx, k, storeID, sku, amount, expectedVersion)
	})

	if idempotencyKey != "" {
		status := domain.IdempotencyCompleted
		var cached any = result
		if err != nil {
			status = domain.IdempotencyFailed
			cached = nil
		}
		_ = s.idempotency.Set(idempotencyKey, payload, cached, status, s.idempTTL)
	}

	return result, err
}

func (s *Service) runLocked(ctx context.Context, k kind, storeID, sku string, amount int64, expectedVersion *int64) (domain.MutationResult, error) {
	if s.lockCfg.Enabled {
		handle, err := s.locks.Acquire(sku, s.lockCfg.TTL, s.lockCfg.OwnerID)
		if err != nil {
			return domain.MutationResult{}, apierr.LockRejection(sku, s.lockCfg.RetryAfter)
		}
		defer func() { _ = s.locks.Release(handle) }()
	}

	return s.compute(ctx, k, storeID, sku, amount, expectedVersion)
}

func (s *Service) compute(ctx context.Context, k kind, storeID, sku string, amount int64, expectedVersion *int64) (domain.MutationResult, error) {
	record, err := s.inventory.Get(storeID, sku)
	if apierr.Is(err, apierr.KindNotFound) {
		// A record that has never been mutated starts at version 1; the
		// first successful adjust/reserve advances it to 2.
		record = domain.InventoryRecord{StoreID: storeID, SKU: sku, Qty: 0, Version: 1, CreatedAt: s.clock.Now()}
	} else if err != nil {
		return domain.MutationResult{}, err
	}

	if expectedVersion != nil && *expectedVersion != record.Version {
		return domain.MutationResult{}, apierr.Conflict(sku, storeID, *expectedVersion, record.Version)
	}

	var newQty int64
	var eventType domain.EventType
	var eventPayload domain.EventPayload

	switch k {
	case kindAdjust:
		newQty = record.Qty + amount
		if newQty < 0 {
			return domain.MutationResult{}, apierr.InsufficientStock(sku, storeID, record.Qty, -amount)
		}
		eventType = domain.EventStockAdjusted
		eventPayload = domain.EventPayload{SKU: sku, StoreID: storeID, Delta: amount}
	case kindReserve:
		if record.Qty < amount {
			return domain.MutationResult{}, apierr.InsufficientStock(sku, storeID, record.Qty, amount)
		}
		newQty = record.Qty - amount
		eventType = domain.EventStockReserved
		eventPayload = domain.EventPayload{SKU: sku, StoreID: storeID, ReservedQty: amount}
	default:
		return domain.MutationResult{}, fmt.Errorf("mutation: unknown kind %d", k)
	}

	newVersion := record.Version + 1
	eventPayload.PreviousQty = record.Qty
	eventPayload.NewQty = newQty
	eventPayload.PreviousVersion = record.Version
	eventPayload.NewVersion = newVersion

	event := domain.Event{
		ID:        uuid.New().String(),
		Timestamp: s.clock.Now(),
		Type:      eventType,
		Payload:   eventPayload,
	}
	if _, err := s.eventLog.Append(ctx, event); err != nil {
		return domain.MutationResult{}, err
	}

	record.Qty = newQty
	record.Version = newVersion
	record.UpdatedAt = s.clock.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	if err := s.inventory.Upsert(ctx, record); err != nil {
		return domain.MutationResult{}, err
	}

	return domain.MutationResult{Qty: newQty, Version: newVersion}, nil
}
