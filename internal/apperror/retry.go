package apperror

import "context"

// ReopenFunc is called before a retry when the failing error demands
// a close+reopen cycle (KindDatabaseClosed, KindDatabaseModified).
type ReopenFunc func(ctx context.Context) error

// Retry runs fn up to maxAttempts times. Between attempts it consults
// the classified Kind of the returned error:
//
//   - not retriable (or unclassified): returns immediately.
//   - KindDatabaseClosed / KindDatabaseModified: calls reopen (if
//     non-nil) before the next attempt.
//   - KindVersionConflict and the rest of the retriable kinds: retries
//     as-is.
//
// After the final attempt the last error is returned unchanged, per
// spec §7 ("after the final attempt the original error is re-raised").
func Retry(ctx context.Context, maxAttempts int, reopen ReopenFunc, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			kind, ok := KindOf(lastErr)
			if ok && (kind == KindDatabaseClosed || kind == KindDatabaseModified) && reopen != nil {
				if rerr := reopen(ctx); rerr != nil {
					return rerr
				}
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind, ok := KindOf(err)
		if !ok || !Retriable(kind) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return lastErr
}
