package prometheus

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	authgate "github.com/ashmida/authgate"
	"github.com/ashmida/authgate/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter renders engine metrics in Prometheus text exposition format. It
// holds no state of its own; every render reads a fresh snapshot, so one
// Exporter can serve any number of concurrent scrapers.
type Exporter struct {
	source metricsSource
}

// NewExporter creates an exporter that reads from the given [authgate.Engine].
func NewExporter(engine *authgate.Engine) *Exporter {
	return &Exporter{source: engine}
}

// NewExporterFromSource creates an exporter from a custom metrics source.
func NewExporterFromSource(source metricsSource) *Exporter {
	return &Exporter{source: source}
}

// Handler returns an http.Handler that streams the exposition directly into
// the response, suitable for mounting at /metrics.
func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = e.WriteTo(w)
	})
}

// Render returns the current exposition as a string. Rendering an engine with
// no recorded activity yields the empty string.
func (e *Exporter) Render() string {
	var b strings.Builder
	b.Grow(8192)
	_, _ = e.WriteTo(&b)
	return b.String()
}

// WriteTo streams the current exposition into w. It implements [io.WriterTo];
// nothing is written when the engine has recorded no activity.
func (e *Exporter) WriteTo(w io.Writer) (int64, error) {
	if e == nil || e.source == nil {
		return 0, nil
	}

	snapshot := e.source.MetricsSnapshot()
	dropped := e.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return 0, nil
	}

	ew := expositionWriter{w: w}
	for _, def := range internaldefs.CounterDefs {
		ew.counter(def.Name, def.Help, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		ew.histogram(def.Name, def.Help, cumulative)
	}
	ew.counter("authgate_audit_dropped_total", "Dropped audit events due to dispatcher backpressure.", dropped)

	return ew.written, ew.err
}

// expositionWriter accumulates byte counts and captures the first write
// error, so the family helpers stay free of error plumbing.
type expositionWriter struct {
	w       io.Writer
	written int64
	err     error
}

func (ew *expositionWriter) line(parts ...string) {
	if ew.err != nil {
		return
	}
	for _, part := range parts {
		n, err := io.WriteString(ew.w, part)
		ew.written += int64(n)
		if err != nil {
			ew.err = err
			return
		}
	}
	n, err := io.WriteString(ew.w, "\n")
	ew.written += int64(n)
	if err != nil {
		ew.err = err
	}
}

func (ew *expositionWriter) counter(name, help string, value uint64) {
	ew.line("# HELP ", name, " ", escapeHelp(help))
	ew.line("# TYPE ", name, " counter")
	ew.line(name, " ", strconv.FormatUint(value, 10))
}

func (ew *expositionWriter) histogram(name, help string, cumulative [8]uint64) {
	ew.line("# HELP ", name, " ", escapeHelp(help))
	ew.line("# TYPE ", name, " histogram")
	for i, le := range internaldefs.HistogramBounds {
		ew.line(name, `_bucket{le="`, le, `"} `, strconv.FormatUint(cumulative[i], 10))
	}
	ew.line(name, "_count ", strconv.FormatUint(cumulative[len(cumulative)-1], 10))
	// Core snapshots track bucket counts, not sums; keep a stable field for
	// scrapers that expect the full histogram triple.
	ew.line(name, "_sum 0")
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
