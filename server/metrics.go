// Copyright 2025 The Vesta authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/klog/v2"
)

// metrics holds the server's OpenTelemetry instruments. The SDK and
// exporter are configured by the binary; with no SDK installed these are
// no-ops.
type metrics struct {
	freeVars   metric.Int64Counter
	lookups    metric.Int64Counter
	hits       metric.Int64Counter
	addEntries metric.Int64Counter
	flushes    metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("vcache/server")
	m := &metrics{}
	var err error
	if m.freeVars, err = meter.Int64Counter("vcache.freevariables.calls",
		metric.WithDescription("Number of FreeVariables calls")); err != nil {
		klog.Exitf("Failed to create metric: %v", err)
	}
	if m.lookups, err = meter.Int64Counter("vcache.lookup.calls",
		metric.WithDescription("Number of Lookup calls")); err != nil {
		klog.Exitf("Failed to create metric: %v", err)
	}
	if m.hits, err = meter.Int64Counter("vcache.lookup.hits",
		metric.WithDescription("Number of Lookup calls that returned a hit")); err != nil {
		klog.Exitf("Failed to create metric: %v", err)
	}
	if m.addEntries, err = meter.Int64Counter("vcache.addentry.calls",
		metric.WithDescription("Number of AddEntry calls")); err != nil {
		klog.Exitf("Failed to create metric: %v", err)
	}
	if m.flushes, err = meter.Int64Counter("vcache.flush.multipkfiles",
		metric.WithDescription("Number of MultiPKFile rewrites by checkpoint flushes")); err != nil {
		klog.Exitf("Failed to create metric: %v", err)
	}
	return m
}
