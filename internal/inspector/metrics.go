package inspector

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// summarizeVec reads vec's current samples into a MetricSummary. With no
// labelValues it aggregates every child series (the metrics op's global
// t-digest approximation); with labelValues it reports exactly one child
// series (the queries op's per-queryHash figures).
func summarizeVec(vec *prometheus.SummaryVec, labelValues ...string) MetricSummary {
	if vec == nil {
		return MetricSummary{Quantiles: map[string]float64{}}
	}
	if len(labelValues) > 0 {
		m := &dto.Metric{}
		if err := vec.WithLabelValues(labelValues...).(prometheus.Metric).Write(m); err != nil {
			return MetricSummary{Quantiles: map[string]float64{}}
		}
		return summaryOf(m.GetSummary())
	}
	return summarizeAll(vec)
}

// summarizeAll drains every child series currently registered on vec and
// merges them into one summary: counts and sums add, quantiles take the
// largest observed value per quantile (a conservative approximation, since
// per-series quantile estimates cannot be merged exactly).
func summarizeAll(vec *prometheus.SummaryVec) MetricSummary {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()

	out := MetricSummary{Quantiles: map[string]float64{}}
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil {
			continue
		}
		s := m.GetSummary()
		out.Count += s.GetSampleCount()
		out.SumSeconds += s.GetSampleSum()
		for _, q := range s.GetQuantile() {
			key := quantileKey(q.GetQuantile())
			if q.GetValue() > out.Quantiles[key] {
				out.Quantiles[key] = q.GetValue()
			}
		}
	}
	return out
}

func summaryOf(s *dto.Summary) MetricSummary {
	out := MetricSummary{
		Count:      s.GetSampleCount(),
		SumSeconds: s.GetSampleSum(),
		Quantiles:  make(map[string]float64, len(s.GetQuantile())),
	}
	for _, q := range s.GetQuantile() {
		out.Quantiles[quantileKey(q.GetQuantile())] = q.GetValue()
	}
	return out
}

func quantileKey(q float64) string {
	switch q {
	case 0.5:
		return "p50"
	case 0.9:
		return "p90"
	case 0.99:
		return "p99"
	default:
		return "p"
	}
}
