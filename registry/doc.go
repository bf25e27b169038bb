// Package registry maps node type names to constructors and tracks the
// modules that provide them.
//
// A type belongs to exactly one module. Registering it again from another
// module fails and leaves the first registration in place. Each successful
// registration emits a type-registered event so a deploy parked on missing
// types can retry.
//
// Modules can be enabled, disabled and removed at runtime. Those operations
// persist their state through a Settings backend and refuse to proceed while
// deployed nodes still use one of the module's types; the deployment engine
// installs that check with SetInUseChecker.
//
// Before a deploy starts anything, CheckFlowDependencies confirms that every
// module the document needs is installed and enabled:
//
//	if err := reg.CheckFlowDependencies(ctx, cfg); err != nil {
//		var missing *errors.MissingModulesError
//		if stderrors.As(err, &missing) {
//			// missing.Modules names them
//		}
//	}
package registry
