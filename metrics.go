// Copyright 2024 The Cockroach Authors
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

package slick

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const meterName = "github.com/cockroachdb/slick"

// Metric names.
const (
	metricEntries         = "slick.entries"
	metricBackyardEntries = "slick.backyard.entries"
	metricSlides          = "slick.slides"
	metricDiversions      = "slick.backyard.diversions"
	metricReintegrations  = "slick.backyard.reintegrations"
	metricTableFull       = "slick.table_full"
)

// metrics holds the instruments a Map records to. All recording is
// synchronous and done by the goroutine mutating the Map.
type metrics struct {
	opts []metric.AddOption

	entries         metric.Int64UpDownCounter
	backyardEntries metric.Int64UpDownCounter
	slides          metric.Int64Counter
	diversions      metric.Int64Counter
	reintegrations  metric.Int64Counter
	tableFull       metric.Int64Counter
}

func newMetrics(provider metric.MeterProvider, name string, log *zap.Logger) metrics {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)
	mt := metrics{
		entries: upDownCounter(meter, log, metricEntries,
			"Number of entries in the table."),
		backyardEntries: upDownCounter(meter, log, metricBackyardEntries,
			"Number of entries in the backyard."),
		slides: counter(meter, log, metricSlides,
			"Number of entries moved to a neighboring block to make room."),
		diversions: counter(meter, log, metricDiversions,
			"Number of insertions diverted to the backyard."),
		reintegrations: counter(meter, log, metricReintegrations,
			"Number of backyard entries moved back into the main table."),
		tableFull: counter(meter, log, metricTableFull,
			"Number of insertions rejected because the table was full."),
	}
	if name != "" {
		mt.opts = []metric.AddOption{metric.WithAttributes(attribute.String("slick.table", name))}
	}
	return mt
}

func counter(meter metric.Meter, log *zap.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn("creating instrument", zap.String("instrument", name), zap.Error(err))
		return noop.Int64Counter{}
	}
	return c
}

func upDownCounter(
	meter metric.Meter, log *zap.Logger, name, desc string,
) metric.Int64UpDownCounter {
	c, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn("creating instrument", zap.String("instrument", name), zap.Error(err))
		return noop.Int64UpDownCounter{}
	}
	return c
}

// inserted records a new entry placed in the main table after moves
// slides.
func (mt *metrics) inserted(moves int64) {
	ctx := context.Background()
	mt.entries.Add(ctx, 1, mt.opts...)
	if moves > 0 {
		mt.slides.Add(ctx, moves, mt.opts...)
	}
}

// diverted records a new entry placed in the backyard.
func (mt *metrics) diverted() {
	ctx := context.Background()
	mt.entries.Add(ctx, 1, mt.opts...)
	mt.backyardEntries.Add(ctx, 1, mt.opts...)
	mt.diversions.Add(ctx, 1, mt.opts...)
}

func (mt *metrics) rejected() {
	mt.tableFull.Add(context.Background(), 1, mt.opts...)
}

// removed records the deletion of an entry from the main table or, if
// fromBackyard, from the backyard.
func (mt *metrics) removed(fromBackyard bool) {
	ctx := context.Background()
	mt.entries.Add(ctx, -1, mt.opts...)
	if fromBackyard {
		mt.backyardEntries.Add(ctx, -1, mt.opts...)
	}
}

// reintegrated records n entries moved from the backyard to the main table
// with the help of moves slides.
func (mt *metrics) reintegrated(n int, moves int64) {
	if n == 0 && moves == 0 {
		return
	}
	ctx := context.Background()
	if n > 0 {
		mt.backyardEntries.Add(ctx, -int64(n), mt.opts...)
		mt.reintegrations.Add(ctx, int64(n), mt.opts...)
	}
	if moves > 0 {
		mt.slides.Add(ctx, moves, mt.opts...)
	}
}

// cleared records the removal of all entries.
func (mt *metrics) cleared(entries, backyardEntries int) {
	ctx := context.Background()
	if entries > 0 {
		mt.entries.Add(ctx, -int64(entries), mt.opts...)
	}
	if backyardEntries > 0 {
		mt.backyardEntries.Add(ctx, -int64(backyardEntries), mt.opts...)
	}
}
