// Copyright 2024 The Kitten Authors.
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

// Package prometheus writes metric data in the Prometheus text exposition
// format, documented at
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"
)

// timeNow is time.Now. Tests replace it.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// Supported metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
	TypeHistogram
)

// String returns the name used in TYPE comments.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	case TypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// Metric is the metadata of a metric.
type Metric struct {
	// Name is the metric name, without the exporter prefix.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional description.
	Help string `json:"help"`
}

// writeHeaderTo writes the HELP and TYPE comments of m.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Only backslashes and line breaks are escaped in HELP text.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, `\`, `\\`), "\n", `\n`)
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %v\n", prefix, m.Name, m.Type)
	return err
}

// Number is a metric value. Prometheus values are all float64, but integers
// are kept exact until they are written.
type Number struct {
	// Float is the value of a floating point number. Mutually exclusive
	// with Int.
	Float float64 `json:"float,omitempty"`

	// Int is the value of an integer.
	Int int64 `json:"int,omitempty"`
}

// String returns the exposition form of n.
func (n *Number) String() string {
	switch {
	case n.Int == 0 && n.Float == 0:
		return "0"
	case n.Int != 0:
		return fmt.Sprintf("%d", n.Int)
	case math.IsInf(n.Float, -1):
		return "-Inf"
	case math.IsInf(n.Float, 1):
		return "+Inf"
	case math.IsNaN(n.Float):
		return "NaN"
	default:
		return fmt.Sprintf("%f", n.Float)
	}
}

// Bucket is one histogram bucket.
type Bucket struct {
	// UpperBound is the inclusive upper bound of the bucket. The last
	// bucket's is +Inf.
	UpperBound Number `json:"le"`

	// Samples is the number of samples in this bucket only. Buckets are
	// written cumulatively.
	Samples uint64 `json:"n,omitempty"`
}

// Histogram is the value of a histogram metric.
type Histogram struct {
	// Total is the sum of all samples.
	Total Number `json:"total"`

	// Buckets are ordered by upper bound.
	Buckets []Bucket `json:"buckets,omitempty"`
}

// NewHistogram returns an empty histogram with the given finite upper
// bounds, plus a +Inf bucket.
func NewHistogram(bounds ...int64) *Histogram {
	h := &Histogram{Buckets: make([]Bucket, 0, len(bounds)+1)}
	for _, b := range bounds {
		h.Buckets = append(h.Buckets, Bucket{UpperBound: Number{Int: b}})
	}
	h.Buckets = append(h.Buckets, Bucket{UpperBound: Number{Float: math.Inf(1)}})
	return h
}

// Observe adds an integer sample.
func (h *Histogram) Observe(v int64) {
	h.Total.Int += v
	for i := range h.Buckets {
		ub := &h.Buckets[i].UpperBound
		if math.IsInf(ub.Float, 1) || v <= ub.Int {
			h.Buckets[i].Samples++
			return
		}
	}
}

// Data is the value of one metric, with one set of labels, at some point in
// time.
type Data struct {
	Metric *Metric           `json:"metric"`
	Labels map[string]string `json:"labels,omitempty"`

	// Exactly one of the fields below is set, depending on the metric's
	// type.
	Number         *Number    `json:"val,omitempty"`
	HistogramValue *Histogram `json:"histogram,omitempty"`
}

// NewIntData returns an unlabeled integer value of metric.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: &Number{Int: val}}
}

// LabeledIntData returns a labeled integer value of metric.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: &Number{Int: val}}
}

// NewFloatData returns an unlabeled floating point value of metric.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Number: &Number{Float: val}}
}

// orderedLabels returns the `key="value"` pairs of labels sorted by key,
// except for "le" which goes last.
func orderedLabels(labels ...map[string]string) ([]string, error) {
	var (
		le    string
		pairs []string
	)
	seen := make(map[string]bool)
	for _, m := range labels {
		for k, v := range m {
			if seen[k] {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = true
			if k == "le" {
				le = v
				continue
			}
			pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(pairs)
	if seen["le"] {
		pairs = append(pairs, fmt.Sprintf("le=%q", le))
	}
	return pairs, nil
}

// Options controls how a Snapshot is written.
type Options struct {
	// CommentHeader is written first, as comments.
	CommentHeader string

	// Prefix is prepended to every metric name.
	Prefix string

	// ExtraLabels are added to every value.
	ExtraLabels map[string]string
}

// Snapshot is the values of a set of metrics at a point in time.
type Snapshot struct {
	// When is when the snapshot was taken. It is written with millisecond
	// precision.
	When time.Time `json:"when,omitempty"`

	// Data holds at most one value per combination of metric and labels.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns an empty Snapshot taken now.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add adds values to s and returns s.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// snapshotWriter writes one snapshot. The first error sticks.
type snapshotWriter struct {
	w      *bufio.Writer
	opts   Options
	millis int64
	err    error
}

func (sw *snapshotWriter) printf(format string, v ...any) {
	if sw.err == nil {
		_, sw.err = fmt.Fprintf(sw.w, format, v...)
	}
}

func (sw *snapshotWriter) line(d *Data, suffix string, val *Number, le *Number) {
	sw.printf("%s%s%s", sw.opts.Prefix, d.Metric.Name, suffix)
	extra := []map[string]string{d.Labels, sw.opts.ExtraLabels}
	if le != nil {
		extra = append(extra, map[string]string{"le": le.String()})
	}
	pairs, err := orderedLabels(extra...)
	if err != nil {
		if sw.err == nil {
			sw.err = fmt.Errorf("metric %s: %w", d.Metric.Name, err)
		}
		return
	}
	if len(pairs) > 0 {
		sw.printf("{%s}", strings.Join(pairs, ","))
	}
	sw.printf(" %s %d\n", val.String(), sw.millis)
}

func (sw *snapshotWriter) data(d *Data) {
	switch d.Metric.Type {
	case TypeUntyped, TypeGauge, TypeCounter:
		sw.line(d, "", d.Number, nil)
	case TypeHistogram:
		var cumulative uint64
		for i := range d.HistogramValue.Buckets {
			b := &d.HistogramValue.Buckets[i]
			cumulative += b.Samples
			sw.line(d, "_bucket", &Number{Int: int64(cumulative)}, &b.UpperBound)
		}
		sw.line(d, "_sum", &d.HistogramValue.Total, nil)
		sw.line(d, "_count", &Number{Int: int64(cumulative)}, nil)
	default:
		if sw.err == nil {
			sw.err = fmt.Errorf("metric %s has unknown type %v", d.Metric.Name, d.Metric.Type)
		}
	}
}

// Write writes s to w. Values of the same metric are grouped under one
// header, and metrics are ordered by name.
func Write(w io.Writer, s *Snapshot, opts Options) error {
	sw := &snapshotWriter{
		w:      bufio.NewWriter(w),
		opts:   opts,
		millis: s.When.UnixMilli(),
	}
	if opts.CommentHeader != "" {
		for _, l := range strings.Split(opts.CommentHeader, "\n") {
			sw.printf("# %s\n", l)
		}
	}

	byName := make(map[string][]*Data)
	var names []string
	for _, d := range s.Data {
		if _, ok := byName[d.Metric.Name]; !ok {
			names = append(names, d.Metric.Name)
		}
		byName[d.Metric.Name] = append(byName[d.Metric.Name], d)
	}
	sort.Strings(names)
	for _, name := range names {
		ds := byName[name]
		if sw.err == nil {
			sw.err = ds[0].Metric.writeHeaderTo(sw.w, opts.Prefix)
		}
		for _, d := range ds {
			if d.Metric != ds[0].Metric && *d.Metric != *ds[0].Metric {
				return fmt.Errorf("conflicting definitions of metric %s", name)
			}
			sw.data(d)
		}
	}
	if sw.err != nil {
		return sw.err
	}
	return sw.w.Flush()
}
