package errors

// Code is a machine-readable error code of the form CATEGORY_NNN.
// Codes are stable once assigned.
type Code string

const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeUnsupportedCloud indicates the cloud selector is not one of the
	// recognized identity provider environments.
	CodeUnsupportedCloud Code = "VAL_005"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeTokenExpired indicates the token is at or past its expiry,
	// including the clock-skew allowance.
	CodeTokenExpired Code = "AUTH_002"

	// CodeTokenMalformed indicates the token is not a well-formed compact
	// JWS (three decodable segments with JSON header and payload).
	CodeTokenMalformed Code = "AUTH_003"

	// CodeUnknownSigningKey indicates no public key could be resolved for
	// the key identifier in the token header.
	CodeUnknownSigningKey Code = "AUTH_004"

	// CodeInvalidSignature indicates the signature did not verify, or the
	// declared algorithm is not permitted for the resolved key.
	CodeInvalidSignature Code = "AUTH_005"

	// CodeIssuerMismatch indicates the iss claim differs from the expected issuer.
	CodeIssuerMismatch Code = "AUTH_006"

	// CodeAudienceMismatch indicates the aud claim does not name the expected audience.
	CodeAudienceMismatch Code = "AUTH_007"

	// CodeTokenNotYetValid indicates the nbf claim lies in the future.
	CodeTokenNotYetValid Code = "AUTH_008"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeTenantNotAllowed indicates the tid claim is absent or not in the
	// allowed tenant set.
	CodeTenantNotAllowed Code = "AUTHZ_002"

	// CodeInsufficientScope indicates the token's scopes do not intersect
	// the required scope set.
	CodeInsufficientScope Code = "AUTHZ_003"

	// CodeKeyNotFound indicates the key identifier is absent from the key
	// set even after a refresh.
	CodeKeyNotFound Code = "NF_001"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalStore indicates the shared key-set store failed.
	CodeInternalStore Code = "INT_002"

	// CodeInternalConfiguration indicates configuration could not be loaded.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeJWKSFetch indicates the key set could not be fetched or the
	// published document was not a well-formed key set.
	CodeJWKSFetch Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutStore indicates a shared key-set store call timed out.
	CodeTimeoutStore Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore (e.g. "AUTHZ").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
