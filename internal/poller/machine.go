package poller

import (
	"errors"
	"time"

	"chulah/checkout/internal/order"
)

var ErrMissingOrderID = errors.New("provider order id is required")

type State int

const (
	StateIdle State = iota
	StatePolling
	StateSuccess
	StateFailure
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	case StateTimeout:
		return "timeout"
	}
	return "unknown"
}

func (s State) Done() bool {
	return s == StateSuccess || s == StateFailure || s == StateTimeout
}

// Reason tags the failure view.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonDeclined Reason = "declined"
	ReasonTimeout  Reason = "timeout"
	ReasonError    Reason = "error"
)

// Observation is the outcome of one status lookup.
type Observation struct {
	Status        string
	TransactionID string
	Err           error
}

// Machine holds the poller state. Attempt is the number of the attempt in
// flight while polling, and the number of attempts made once done.
type Machine struct {
	State         State
	Attempt       int
	MaxAttempts   int
	BaseDelay     time.Duration
	Reason        Reason
	LastStatus    string
	PaymentStatus order.PaymentStatus
	TransactionID string
	LastErr       error
}

func NewMachine(maxAttempts int, baseDelay time.Duration) Machine {
	return Machine{State: StateIdle, MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Start leaves Idle. Without a provider order id there is nothing to poll.
func (m Machine) Start(providerOrderID string) Machine {
	if m.State != StateIdle {
		return m
	}
	if providerOrderID == "" {
		m.State = StateFailure
		m.Reason = ReasonError
		m.LastErr = ErrMissingOrderID
		return m
	}
	m.State = StatePolling
	m.Attempt = 1
	return m
}

// Observe is the transition function for Polling(n).
func (m Machine) Observe(obs Observation) Machine {
	if m.State != StatePolling {
		return m
	}

	m.LastErr = obs.Err
	if obs.Err == nil {
		m.LastStatus = obs.Status
		if obs.TransactionID != "" {
			m.TransactionID = obs.TransactionID
		}
		m.PaymentStatus = order.FromProviderStatus(obs.Status)
		switch m.PaymentStatus {
		case order.PaymentSuccess:
			m.State = StateSuccess
			return m
		case order.PaymentFailed, order.PaymentCanceled:
			m.State = StateFailure
			m.Reason = ReasonDeclined
			return m
		}
	}

	if m.Attempt >= m.MaxAttempts {
		m.State = StateTimeout
		m.Reason = ReasonTimeout
		if obs.Err != nil {
			m.Reason = ReasonError
		}
		return m
	}
	m.Attempt++
	return m
}

// Delay is the wait before the attempt in flight: BaseDelay times the number of
// attempts already made.
func (m Machine) Delay() time.Duration {
	if m.State != StatePolling || m.Attempt <= 1 {
		return 0
	}
	return m.BaseDelay * time.Duration(m.Attempt-1)
}
