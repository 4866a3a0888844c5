package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/fxauth"
	"github.com/MrEthical07/fxauth/metrics/export/internaldefs"
)

// Source is what the exporter reads on each scrape. *fxauth.Engine
// satisfies it.
type Source interface {
	MetricsSnapshot() fxauth.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter renders engine metrics in the Prometheus text exposition format.
type Exporter struct {
	source Source
}

func NewExporter(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves Render on every request.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the exposition text, or "" when metrics are disabled and
// nothing was dropped.
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(4096)

	for _, def := range internaldefs.Counters {
		writeCounter(&b, def, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.Histograms {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		writeHistogram(&b, def, internaldefs.Cumulative(raw))
	}
	writeCounter(&b, internaldefs.AuditDropped, dropped)

	return b.String()
}

func writeHeader(b *strings.Builder, def internaldefs.Def, kind string) {
	b.WriteString("# HELP ")
	b.WriteString(def.Name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(def.Help))
	b.WriteString("\n# TYPE ")
	b.WriteString(def.Name)
	b.WriteByte(' ')
	b.WriteString(kind)
	b.WriteByte('\n')
}

func writeSample(b *strings.Builder, name string, value uint64) {
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(value, 10))
	b.WriteByte('\n')
}

func writeCounter(b *strings.Builder, def internaldefs.Def, value uint64) {
	writeHeader(b, def, "counter")
	writeSample(b, def.Name, value)
}

func writeHistogram(b *strings.Builder, def internaldefs.Def, cumulative [8]uint64) {
	writeHeader(b, def, "histogram")
	for i, bucket := range internaldefs.Buckets {
		writeSample(b, def.Name+`_bucket{le="`+bucket.Label+`"}`, cumulative[i])
	}
	writeSample(b, def.Name+"_count", cumulative[len(cumulative)-1])
	// Snapshots carry bucket counts only.
	writeSample(b, def.Name+"_sum", 0)
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, `\`, `\\`)
	return strings.ReplaceAll(help, "\n", `\n`)
}
