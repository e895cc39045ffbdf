package push

import (
	"context"
	"errors"

	"github.com/dukerupert/courier/internal/model"
)

// ErrNoProvider marks messages for a platform with no configured provider.
var ErrNoProvider = errors.New("no push provider for platform")

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Message is one push destined for one endpoint.
type Message struct {
	Token    string
	Platform model.Platform
	Title    string
	Body     string
	Data     map[string]string
	Priority Priority
}

// Outcome is the closed set of per endpoint results. Provider specific
// responses are resolved into one of these at the provider boundary.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

type Result struct {
	Token   string
	Outcome Outcome
	Err     error
}

func success(token string) Result { return Result{Token: token, Outcome: OutcomeSuccess} }

func transient(token string, err error) Result {
	return Result{Token: token, Outcome: OutcomeTransient, Err: err}
}

func permanent(token string, err error) Result {
	return Result{Token: token, Outcome: OutcomePermanent, Err: err}
}

// Provider sends one batch and returns exactly one result per message, in
// order. A returned error means the whole batch failed transiently.
type Provider interface {
	SendBatch(ctx context.Context, msgs []Message) ([]Result, error)
}
