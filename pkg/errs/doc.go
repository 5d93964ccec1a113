/*
Package errs classifies errors crossing the RPC boundary.

Every error returned to a caller carries one of a closed set of kinds
(NOT_FOUND, CONFLICT, CIRCULAR_DEPENDENCY, UNSUPPORTED_TARGET, UNAUTHORIZED,
BAD_REQUEST, UPSTREAM_UNAVAILABLE, UNAVAILABLE, INTERNAL). Kinds map onto
HTTP statuses via HTTPStatus. Internal errors are never shown verbatim;
Correlate stamps a correlation id that appears both in the response and in
the server log line carrying the full cause chain.

Errors remain ordinary Go errors: Wrap keeps the cause on the chain so
errors.Is and errors.As keep working through the classification layer.

	if err := store.GetGroup(ctx, id); err != nil {
		return errs.Wrap(err, errs.KindNotFound, "group %d not found", id)
	}
*/
package errs
