package domain

type OutcomeStatus string

const (
	OutcomeSuccess           OutcomeStatus = "success"
	OutcomeSkipped           OutcomeStatus = "skipped"
	OutcomeRateLimited       OutcomeStatus = "rate_limited"
	OutcomeTransportFailure  OutcomeStatus = "transport_failure"
	OutcomeValidationFailure OutcomeStatus = "validation_failure"
	OutcomeDeferred          OutcomeStatus = "deferred"
	OutcomeCanceled          OutcomeStatus = "canceled"
)

// Outcome is the result of running one action. Content carries whatever the
// channel returned on success (a message id, a discovered uid, a friend flag).
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Message string        `json:"message,omitempty"`
	Content string        `json:"content,omitempty"`
}

func Success(content string) Outcome { return Outcome{Status: OutcomeSuccess, Content: content} }

func Skipped(msg string) Outcome { return Outcome{Status: OutcomeSkipped, Message: msg} }

func RateLimited(reason string) Outcome { return Outcome{Status: OutcomeRateLimited, Message: reason} }

func TransportFailure(msg string) Outcome {
	return Outcome{Status: OutcomeTransportFailure, Message: msg}
}

func ValidationFailure(msg string) Outcome {
	return Outcome{Status: OutcomeValidationFailure, Message: msg}
}

func Deferred(msg string) Outcome { return Outcome{Status: OutcomeDeferred, Message: msg} }

func Canceled(msg string) Outcome { return Outcome{Status: OutcomeCanceled, Message: msg} }
