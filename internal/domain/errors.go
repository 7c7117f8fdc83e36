package domain

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why a single provider call failed. Transient kinds
// (QuotaExceeded) are retried against other providers by the gateway;
// SchemaMismatch is reported distinctly because it needs a code fix, not a
// retry.
type FailureKind string

const (
	FailNotFound       FailureKind = "not_found"
	FailQuotaExceeded  FailureKind = "quota_exceeded"
	FailUnreachable    FailureKind = "unreachable"
	FailSchemaMismatch FailureKind = "schema_mismatch"
)

// FetchError is the error returned by a provider adapter call.
type FetchError struct {
	Provider string
	Kind     FailureKind
	Symbol   Symbol
	Dataset  Dataset
	Err      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s for %s/%s", e.Provider, e.Kind, e.Symbol, e.Dataset)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a classified adapter failure.
func NewFetchError(provider string, kind FailureKind, symbol Symbol, dataset Dataset, err error) *FetchError {
	return &FetchError{Provider: provider, Kind: kind, Symbol: symbol, Dataset: dataset, Err: err}
}

// FetchKind extracts the failure kind from an adapter error chain.
// Unclassified errors are treated as Unreachable - the conservative default
// for transport-level surprises.
func FetchKind(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FailUnreachable
}

// ProviderFailure records one provider's failure inside an
// AllProvidersFailedError, for diagnostics.
type ProviderFailure struct {
	Provider string      `json:"provider"`
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
}

// AllProvidersFailedError is the only terminal failure of a gateway fetch.
// It carries the per-provider reasons so callers can distinguish "nobody has
// this symbol" from "every quota is exhausted". Partial data from one
// provider is never merged with another's to mask the gap.
type AllProvidersFailedError struct {
	Symbol   Symbol
	Dataset  Dataset
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s=%s", f.Provider, f.Kind))
	}
	return fmt.Sprintf("all providers failed for %s/%s [%s]", e.Symbol, e.Dataset, strings.Join(parts, " "))
}

// InsufficientDataError means a required dataset for an analysis is
// unavailable. The engine never fabricates defaults for required inputs.
type InsufficientDataError struct {
	Symbol  Symbol
	Missing Dataset
	Reason  string
	Err     error
}

func (e *InsufficientDataError) Error() string {
	msg := fmt.Sprintf("insufficient data for %s: missing %s", e.Symbol, e.Missing)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Unwrap exposes the fetch failure that made the dataset unavailable, so
// callers can still reach the per-provider reasons with errors.As.
func (e *InsufficientDataError) Unwrap() error {
	return e.Err
}

// InvalidInputError reports an analysis input that fails validation, such as
// a non-positive cost of capital.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input %s: %s", e.Field, e.Reason)
}
