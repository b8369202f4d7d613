package gateway

// IntentState is the lifecycle state of a payment intent on the gateway.
type IntentState string

const (
	StateCreated   IntentState = "CREATED"
	StateOnDevice  IntentState = "ON_DEVICE"
	StateFinished  IntentState = "FINISHED"
	StateProcessed IntentState = "PROCESSED"
	StateCanceled  IntentState = "CANCELED"
	StateError     IntentState = "ERROR"
)

// Terminal reports whether no further transition can occur from the state.
func (s IntentState) Terminal() bool {
	switch s {
	case StateFinished, StateProcessed, StateCanceled, StateError:
		return true
	default:
		return false
	}
}

// Approved reports whether the state represents a completed payment.
func (s IntentState) Approved() bool {
	return s == StateFinished || s == StateProcessed
}

// PaymentRef is the gateway-attached reference to a completed payment.
type PaymentRef struct {
	ID string `json:"id"`
}

// Intent is a payment request registered on a physical terminal device. The
// wire shape is fixed by the vendor; only the fields the reconciliation engine
// consumes are mapped.
type Intent struct {
	ID       string      `json:"id"`
	DeviceID string      `json:"device_id"`
	Amount   int64       `json:"amount"`
	State    IntentState `json:"state"`
	Payment  *PaymentRef `json:"payment,omitempty"`
}

// Payment is a settled (or attempted) payment as reported by the gateway.
type Payment struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}
