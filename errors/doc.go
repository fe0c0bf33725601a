// Package errors provides standardized error handling for the vortexfinder2 server.
//
// # Overview
//
// Errors are sorted into three classes: Transient (temporary conditions such as a
// peer going away mid-write), Invalid (bad client input or bad configuration) and
// Fatal (unrecoverable states such as a corrupted dataset or a listener that cannot
// bind). The server never retries on its own; the class decides whether a failure is
// reported to the client and the session continues, or whether the connection or
// the process ends.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "component.method: action failed: cause":
//
//	if err := db.Get(key); err != nil {
//	    return errors.Wrap(err, "Engine", "Open", "read manifest")
//	}
//
// Use the classified variants when the caller needs to branch on the class:
//
//	errors.WrapInvalid(err, "Config", "Validate", "check port")   // bad input
//	errors.WrapFatal(err, "Server", "Start", "bind listener")     // stop the process
//	errors.WrapTransient(err, "Server", "writeResponse", "write") // drop the connection
//
// # Classification
//
// IsTransient, IsInvalid and IsFatal inspect ClassifiedError values first, then
// known sentinels, then message patterns. Classify returns the class directly.
//
// All helpers work with errors.Is and errors.As through the wrapping chain:
//
//	if errors.Is(err, errors.ErrDataCorrupted) { ... }
//
//	var ce *errors.ClassifiedError
//	if errors.As(err, &ce) {
//	    slog.Error("operation failed", "component", ce.Component, "op", ce.Operation)
//	}
package errors
