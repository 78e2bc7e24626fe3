package provider

// SessionState is the state of a hosted-checkout session as reported by the
// payment provider.
type SessionState string

const (
	StateSessionCreated   SessionState = "SessionCreated"
	StatePaymentInitiated SessionState = "PaymentInitiated"
	StateAuthorized       SessionState = "PaymentAuthorized"
	StateCaptured         SessionState = "PaymentCaptured"
	StateFailed           SessionState = "PaymentFailed"
	StateCancelled        SessionState = "PaymentCancelled"
	StateTerminated       SessionState = "PaymentTerminated"
	StateExpired          SessionState = "SessionExpired"
)

// Open reports whether the payer can still complete payment in this session.
func (s SessionState) Open() bool {
	return s == StateSessionCreated || s == StatePaymentInitiated
}

// Successful reports whether the session means the money side is done. Only a
// state fetched from the provider may be trusted here, never one claimed by a
// webhook payload.
func (s SessionState) Successful() bool {
	return s == StateAuthorized || s == StateCaptured
}

// Dead reports whether the session can never succeed anymore and the local
// pending payment backing it is stale.
func (s SessionState) Dead() bool {
	switch s {
	case StateFailed, StateCancelled, StateTerminated, StateExpired:
		return true
	}
	return false
}

// Session is a hosted-checkout transaction at the provider. RedirectURL is
// only populated on creation and on still-open lookups.
type Session struct {
	SessionID   string       `json:"sessionId"`
	Reference   string       `json:"reference"`
	State       SessionState `json:"sessionState"`
	RedirectURL string       `json:"checkoutFrontendUrl"`
}

// CreateSessionRequest describes the session to open at the provider.
// Amount is in minor currency units.
type CreateSessionRequest struct {
	Amount         int64
	Currency       string
	Reference      string
	IdempotencyKey string
	ReturnURL      string
}
