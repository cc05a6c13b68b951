package protocol

// ErrorCode is one of the frozen v1 protocol error codes.
type ErrorCode string

const (
	// CodeInvalidToken: bearer token hash not found or revoked.
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	// CodeSessionExpired: the presented session_id is no longer live.
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	// CodeProtocolError: mis-sequenced hello, unknown kind, invalid JSON.
	CodeProtocolError ErrorCode = "PROTOCOL_ERROR"
	// CodeIdentityMismatch: declared device id does not match token claims.
	CodeIdentityMismatch ErrorCode = "IDENTITY_MISMATCH"
	// CodeIntegrityConflict: retransmit payload differs from the stored row.
	CodeIntegrityConflict ErrorCode = "INTEGRITY_CONFLICT"
	// CodeInternalError: server-side failure; safe to retry.
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// retryableByCode fixes the retryable flag per code. The flag travels on the
// wire but clients may rely on this table regardless of what a peer sent.
var retryableByCode = map[ErrorCode]bool{
	CodeInvalidToken:      false,
	CodeSessionExpired:    true,
	CodeProtocolError:     false,
	CodeIdentityMismatch:  false,
	CodeIntegrityConflict: false,
	CodeInternalError:     true,
}

// Valid reports whether c is one of the closed v1 codes.
func (c ErrorCode) Valid() bool {
	_, ok := retryableByCode[c]
	return ok
}

// Retryable reports whether a client may reconnect and retry after
// receiving this code. Unknown codes are treated as non-retryable.
func (c ErrorCode) Retryable() bool {
	return retryableByCode[c]
}
