// Package errors defines the error taxonomy shared by the authorization
// gate. Every failure the gate can produce carries a machine-readable
// [Code] so that the rejection reason survives wrapping, can be logged and
// traced, and can be collapsed into a single deny decision at the edge.
//
// # Categories
//
//   - VAL: invalid configuration or input (unsupported cloud, missing fields)
//   - AUTH: the token could not be authenticated (malformed, expired,
//     unknown key, bad signature, wrong issuer or audience)
//   - AUTHZ: the token is authentic but not permitted (tenant, scope)
//   - NF: a requested signing key is absent from the published key set
//   - INT: internal failures (shared key-set store, configuration loading)
//   - UNAVAIL: the identity provider's key set could not be obtained
//   - TIMEOUT: a dependency exceeded its deadline
//
// # Usage
//
//	err := errors.New(errors.CodeIssuerMismatch, "auth: token issuer does not match")
//
//	if errors.HasCode(err, errors.CodeTokenExpired) {
//	    // ...
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn("request denied", "code", e.Code, "error", e)
//	}
package errors
