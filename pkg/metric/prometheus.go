// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric name such as "/sched/context_switches" to
// a Prometheus metric name under the given namespace, e.g.
// "prisync_sched_context_switches".
func PrometheusName(namespace, name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if namespace == "" {
		return n
	}
	return namespace + "_" + n
}

func labelsFor(fields []Field, values []string) []*dto.LabelPair {
	if len(fields) == 0 {
		return nil
	}
	labels := make([]*dto.LabelPair, len(fields))
	for i, f := range fields {
		labels[i] = &dto.LabelPair{
			Name:  proto.String(f.name),
			Value: proto.String(values[i]),
		}
	}
	return labels
}

func (m *Uint64Metric) family(namespace string) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(namespace, m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for key := range m.fields {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label: labelsFor(m.fieldMapper.fields, m.fieldMapper.keyToMultiField(key)),
			Counter: &dto.Counter{
				Value: proto.Float64(float64(m.fields[key].Load())),
			},
		})
	}
	return mf
}

func (d *DistributionMetric) family(namespace string) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(namespace, d.name)),
		Help: proto.String(d.description),
		Type: dto.MetricType_HISTOGRAM.Enum(),
	}
	numFinite := d.bucketer.NumFiniteBuckets()
	for key := range d.samples {
		samples := d.samples[key]
		h := &dto.Histogram{
			SampleSum: proto.Float64(float64(d.sums[key].Load())),
		}
		// Samples are integers, so bucket [lo, hi) is reported with the
		// inclusive upper bound hi-1.
		cumulative := samples[0].Load()
		h.Bucket = append(h.Bucket, &dto.Bucket{
			CumulativeCount: proto.Uint64(cumulative),
			UpperBound:      proto.Float64(float64(d.bucketer.LowerBound(0) - 1)),
		})
		for i := 0; i < numFinite; i++ {
			cumulative += samples[i+1].Load()
			h.Bucket = append(h.Bucket, &dto.Bucket{
				CumulativeCount: proto.Uint64(cumulative),
				UpperBound:      proto.Float64(float64(d.bucketer.LowerBound(i+1) - 1)),
			})
		}
		cumulative += samples[numFinite+1].Load()
		h.SampleCount = proto.Uint64(cumulative)
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:     labelsFor(d.fieldsToKey.fields, d.fieldsToKey.keyToMultiField(key)),
			Histogram: h,
		})
	}
	return mf
}

// MetricFamilies returns a snapshot of every metric in r as Prometheus metric
// families, sorted by name.
func (r *Registry) MetricFamilies(namespace string) []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()
	families := make([]*dto.MetricFamily, 0, len(r.uint64Metrics)+len(r.distributionMetrics))
	for _, m := range r.uint64Metrics {
		families = append(families, m.family(namespace))
	}
	for _, d := range r.distributionMetrics {
		families = append(families, d.family(namespace))
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families
}

// WritePrometheus writes a snapshot of r to w in the Prometheus text
// exposition format. It returns the number of bytes written.
func (r *Registry) WritePrometheus(w io.Writer, namespace string) (int, error) {
	written := 0
	for _, mf := range r.MetricFamilies(namespace) {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return written, nil
}
