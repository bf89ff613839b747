package idempotency

import (
	"context"
	"errors"
	"time"
)

// Func is the shape of a wrapped function: an event in, a result out. The
// lambda runtime (or any caller) supplies cancellation and the execution
// deadline through ctx.
type Func func(ctx context.Context, event map[string]any) (any, error)

// MakeIdempotent composes fn with the idempotency protocol and returns the
// wrapped function. Repeat calls with the same derived key inside the TTL
// window return the stored result without re-executing fn.
//
// The wrapper retries only on ErrInconsistentState, which marks the transient
// window where a conflicting record vanished between the conditional put and
// the follow-up read. Everything else propagates immediately.
func MakeIdempotent(fn Func, layer *PersistenceLayer) Func {
	h := &handler{fn: fn, layer: layer}
	maxRetries := layer.Config().MaxHandlerRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return func(ctx context.Context, event map[string]any) (any, error) {
		var (
			result any
			err    error
		)
		for attempt := 0; attempt <= maxRetries; attempt++ {
			result, err = h.handle(ctx, event)
			if !errors.Is(err, ErrInconsistentState) {
				break
			}
		}
		return result, err
	}
}

type handler struct {
	fn    Func
	layer *PersistenceLayer
}

// handle runs one pass of the save -> execute -> finalize protocol.
func (h *handler) handle(ctx context.Context, event map[string]any) (any, error) {
	// Claim the key first: in the common case no record exists yet and we
	// skip the read entirely.
	err := h.layer.SaveInProgress(ctx, event, remainingBudget(ctx, h.layer.Config()))
	if err == nil {
		return h.execute(ctx, event)
	}
	if errors.Is(err, ErrItemAlreadyExists) {
		record, err := h.getRecord(ctx, event)
		if err != nil {
			return nil, err
		}
		return h.handleForStatus(record)
	}
	if errors.Is(err, ErrMissingIdempotencyKey) {
		return nil, err
	}
	return nil, wrapPersistence("save in progress", err)
}

// getRecord reconciles after a conditional-put conflict.
func (h *handler) getRecord(ctx context.Context, event map[string]any) (*Record, error) {
	record, err := h.layer.GetRecord(ctx, event)
	if err != nil {
		// The record that caused the conflict vanished before we could read
		// it. Expected but rare; surfaced as retryable.
		if errors.Is(err, ErrItemNotFound) {
			return nil, ErrInconsistentState
		}
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return nil, err
		}
		return nil, wrapPersistence("get record", err)
	}
	return record, nil
}

// handleForStatus resolves an existing record into a caller-visible outcome.
func (h *handler) handleForStatus(record *Record) (any, error) {
	status, err := record.StatusAt(h.layer.Config().nowFunc())
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusExpired:
		// Record expired between the conditional put and this read; same race
		// as a vanished record.
		return nil, ErrInconsistentState
	case StatusInProgress:
		return nil, &AlreadyInProgressError{IdempotencyKey: record.IdempotencyKey}
	}

	response, err := h.layer.Config().Serializer.Deserialize(record.ResponseData)
	if err != nil {
		return nil, err
	}
	if hook := h.layer.Config().ResponseHook; hook != nil {
		response = hook(response, record)
	}
	return response, nil
}

// execute runs the wrapped function and finalizes the record either way.
func (h *handler) execute(ctx context.Context, event map[string]any) (any, error) {
	result, fnErr := h.fn(ctx, event)
	if fnErr != nil {
		// Release the key so a retry re-executes. If the delete itself fails
		// the persistence failure wins, masking fnErr; callers that need the
		// original cause can unwrap it.
		if delErr := h.layer.DeleteRecord(ctx, event); delErr != nil {
			return nil, wrapPersistence("delete record", delErr)
		}
		return nil, fnErr
	}

	// Execution already happened: a failure here must surface rather than
	// trigger a re-run, which would break exactly-once.
	if err := h.layer.SaveSuccess(ctx, event, result); err != nil {
		return nil, wrapPersistence("save success", err)
	}
	return result, nil
}

// remainingBudget measures the time left before the caller's own deadline;
// it becomes the INPROGRESS lease. Zero when no deadline is set.
func remainingBudget(ctx context.Context, cfg *Config) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	remaining := deadline.Sub(cfg.nowFunc())
	if remaining < 0 {
		return 0
	}
	return remaining
}
