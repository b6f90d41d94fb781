package agentpay

import "fmt"

// Error is a broker-specific error carrying a machine-readable code.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes. Transient codes are retried by the payment orchestrator;
// the rest surface to the caller unchanged.
const (
	ErrCodeIdentityUnavailable       = "identity_unavailable"
	ErrCodeConfigInvalid             = "config_invalid"
	ErrCodeNameNotFound              = "name_not_found"
	ErrCodeRecordMissing             = "record_missing"
	ErrCodeClearingAuthRejected      = "clearing_auth_rejected"
	ErrCodeClearingTimeout           = "clearing_timeout"
	ErrCodeClearingProtocol          = "clearing_protocol"
	ErrCodeQuorumPending             = "quorum_pending"
	ErrCodePaymentVerificationFailed = "payment_verification_failed"
	ErrCodeBillExpired               = "bill_expired"
	ErrCodeChannelFunded             = "channel_funded"
	ErrCodeOnChainFailed             = "onchain_failed"
	ErrCodeCounterpartyFailed        = "counterparty_failed"
	ErrCodeCancelled                 = "cancelled"
)

// NewError creates an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates an Error with a formatted message.
func NewErrorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the agentpay error code from err, walking wrapped errors.
// Returns "" when err carries no code.
func CodeOf(err error) string {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			return ae.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// IsTransient reports whether the orchestrator should retry the operation.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeClearingTimeout, ErrCodeClearingProtocol, ErrCodeClearingAuthRejected:
		return true
	}
	return false
}
