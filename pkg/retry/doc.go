// Package retry provides exponential backoff retry for transient failures.
//
// Do and DoWithResult run a function until it succeeds, the attempts run out,
// the context ends or the function returns an error marked with NonRetryable.
// A Config may also carry a Retryable predicate, which the storage layer sets to
// errors.IsTransient so that conflicts and validation failures fail fast:
//
//	cfg := retry.DefaultConfig()
//	cfg.Retryable = errs.IsTransient
//	rev, err := retry.DoWithResult(ctx, cfg, func() (uint64, error) {
//	    return kv.Put(ctx, key, data)
//	})
//
// Presets: DefaultConfig (3 attempts, 100ms to 5s) for writes, Quick
// (10 attempts, 50ms to 1s) for startup dependencies.
package retry
