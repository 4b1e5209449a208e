package api

import (
	"time"

	"tiger-webhook/pkg/types"
)

// webhookResponse is the accepted-path shape for the inbound signal
// endpoint, spec.md §6.
type webhookResponse struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlation_id"`
	InstrumentID  string `json:"instrument_id,omitempty"`
}

// errorResponse is the shape for both 4xx validation failures and 5xx
// operational failures; Retryable is only meaningful on 5xx responses.
type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// healthResponse backs GET /health.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// statusResponse backs GET /status.
type statusResponse struct {
	Version  string              `json:"version"`
	MockMode bool                `json:"mock_mode"`
	Accounts []string            `json:"accounts"`
	Polling  statusPollingLoops  `json:"polling"`
}

type statusPollingLoops struct {
	Positions types.PollingStatus `json:"positions"`
	Orders    types.PollingStatus `json:"orders"`
}

// positionsResponse backs GET /positions/{account}.
type positionsResponse struct {
	AccountID    string           `json:"account_id"`
	Positions    []types.Position `json:"positions"`
	NetDelta     string           `json:"net_delta"`
	NetGamma     string           `json:"net_gamma"`
	NetTheta     string           `json:"net_theta"`
	NetVega      string           `json:"net_vega"`
	UnrealizedPL string           `json:"unrealized_pl"`
	RealizedPL   string           `json:"realized_pl"`
	AsOf         time.Time        `json:"as_of"`
}

// deltaRecordsResponse backs GET /delta/records.
type deltaRecordsResponse struct {
	Records []types.DeltaRecord `json:"records"`
	Count   int                 `json:"count"`
}

// deltaSummaryResponse backs GET /delta/summary.
type deltaSummaryResponse struct {
	CountByAction    map[types.DeltaAction]int64 `json:"count_by_action"`
	NetObservedDelta string                      `json:"net_observed_delta"`
	LastUpdated      time.Time                   `json:"last_updated"`
}

// chainResponse backs GET /chain.
type chainResponse struct {
	Underlying string                 `json:"underlying"`
	Contracts  []types.OptionContract `json:"contracts"`
	FetchedAt  time.Time              `json:"fetched_at"`
}

// pollingControlResponse backs the /polling/{loop}/{start|stop|tick} routes.
type pollingControlResponse struct {
	Loop   string `json:"loop"`
	Action string `json:"action"`
	Status string `json:"status"`
}
