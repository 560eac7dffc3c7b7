package internaldefs

import (
	authgate "github.com/ashmida/authgate"
)

// CounterDef defines a public type used by authgate APIs.
//
// CounterDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by authgate APIs.
//
// HistogramDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// CounterDefs is an exported constant or variable used by the session engine.
var CounterDefs = []CounterDef{
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Successful login attempts."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Failed login attempts."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Failed refresh operations."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-token logout operations."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-all operations."},
	{ID: authgate.MetricSessionCreated, Name: "authgate_session_created_total", Help: "Created sessions."},
	{ID: authgate.MetricSessionInvalidated, Name: "authgate_session_invalidated_total", Help: "Invalidated refresh token records."},
	{ID: authgate.MetricAccessVerifySuccess, Name: "authgate_access_verify_success_total", Help: "Successful access token verifications."},
	{ID: authgate.MetricAccessVerifyFailure, Name: "authgate_access_verify_failure_total", Help: "Failed access token verifications."},
	{ID: authgate.MetricStorageUnavailable, Name: "authgate_storage_unavailable_total", Help: "Registry operations failed by backend unavailability."},
	{ID: authgate.MetricPurgeRuns, Name: "authgate_purge_runs_total", Help: "Completed registry expiry sweeps."},
	{ID: authgate.MetricPurgedRecords, Name: "authgate_purged_records_total", Help: "Registry records removed by expiry sweeps."},
}

// HistogramDefs is an exported constant or variable used by the session engine.
var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricLoginLatency, Name: "authgate_login_latency_seconds", Help: "Login latency histogram."},
	{ID: authgate.MetricRefreshLatency, Name: "authgate_refresh_latency_seconds", Help: "Refresh latency histogram."},
}

// HistogramBounds is an exported constant or variable used by the session engine.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is an exported constant or variable used by the session engine.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets describes the normalizebuckets operation and its observable behavior.
//
// NormalizeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets describes the cumulativebuckets operation and its observable behavior.
//
// CumulativeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
