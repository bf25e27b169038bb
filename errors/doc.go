// Package errors provides the error handling conventions of the flow runtime.
//
// # Overview
//
// Every error that crosses a package boundary is classified as Transient
// (temporary, retryable), Invalid (bad input, refused atomically) or Fatal
// (unrecoverable). Deploy validation failures are always Invalid: the deploy is
// refused before any live flow is touched.
//
// # Wrapping
//
// Errors are wrapped with the component and method that observed them:
//
//	if err := store.SaveFlows(ctx, doc); err != nil {
//	    return errors.WrapTransient(err, "flowengine", "SetFlows", "persist flows")
//	}
//
// which renders as "flowengine.SetFlows: persist flows failed: <cause>".
//
// # Domain errors
//
// Deploy and registry failures carry structured data so API callers and
// runtime-state events can report exactly what was missing:
//
//	var mt *errors.MissingTypesError
//	if stderrors.As(err, &mt) {
//	    log.Warn("waiting for node types", "types", mt.Types)
//	}
//
// MissingTypesError, MissingModulesError, TypeInUseError and DuplicateIDError
// all match their sentinel through errors.Is and expose a stable Code() used in
// HTTP responses ("missing_types", "missing_modules", "type_in_use",
// "duplicate_id"). CodeOf maps any error, including the plain sentinels, to
// such a code.
//
// # Retry
//
// RetryConfig converts to the pkg/retry configuration and only retries
// transient errors.
package errors
