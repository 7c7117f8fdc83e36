// Package events provides the typed pub/sub bus the engine and gateway use
// to publish progress and telemetry to stream clients.
package events

import "time"

// EventType identifies a category of event.
type EventType string

const (
	// AnalysisStarted fires when an analysis begins for a symbol.
	AnalysisStarted EventType = "analysis_started"
	// AnalysisCompleted fires when an analysis produces a result.
	AnalysisCompleted EventType = "analysis_completed"
	// AnalysisFailed fires when an analysis terminates with an error.
	AnalysisFailed EventType = "analysis_failed"
	// BatchProgress fires after each symbol of a batch run.
	BatchProgress EventType = "batch_progress"
	// DataFetched fires when the gateway retrieves a dataset upstream.
	DataFetched EventType = "data_fetched"
	// CacheCompacted fires after a maintenance sweep.
	CacheCompacted EventType = "cache_compacted"
)

// EventData is implemented by all event payload types.
type EventData interface {
	EventType() EventType
}

// Event is one published occurrence.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data,omitempty"`
}

// AnalysisStartedData contains data for AnalysisStarted events.
type AnalysisStartedData struct {
	Symbol string `json:"symbol"`
}

// EventType returns the event type for AnalysisStartedData.
func (d *AnalysisStartedData) EventType() EventType {
	return AnalysisStarted
}

// AnalysisCompletedData contains data for AnalysisCompleted events.
type AnalysisCompletedData struct {
	Symbol         string  `json:"symbol"`
	EPVPerShare    float64 `json:"epv_per_share"`
	MarginOfSafety float64 `json:"margin_of_safety"`
	Recommendation string  `json:"recommendation"`
}

// EventType returns the event type for AnalysisCompletedData.
func (d *AnalysisCompletedData) EventType() EventType {
	return AnalysisCompleted
}

// AnalysisFailedData contains data for AnalysisFailed events.
type AnalysisFailedData struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// EventType returns the event type for AnalysisFailedData.
func (d *AnalysisFailedData) EventType() EventType {
	return AnalysisFailed
}

// BatchProgressData contains data for BatchProgress events.
type BatchProgressData struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Symbol    string `json:"symbol"`
	Failed    bool   `json:"failed"`
}

// EventType returns the event type for BatchProgressData.
func (d *BatchProgressData) EventType() EventType {
	return BatchProgress
}

// DataFetchedData contains data for DataFetched events.
type DataFetchedData struct {
	Symbol   string `json:"symbol"`
	Dataset  string `json:"dataset"`
	Provider string `json:"provider"`
	Points   int    `json:"points"`
}

// EventType returns the event type for DataFetchedData.
func (d *DataFetchedData) EventType() EventType {
	return DataFetched
}

// CacheCompactedData contains data for CacheCompacted events.
type CacheCompactedData struct {
	Evicted int `json:"evicted"`
}

// EventType returns the event type for CacheCompactedData.
func (d *CacheCompactedData) EventType() EventType {
	return CacheCompacted
}
