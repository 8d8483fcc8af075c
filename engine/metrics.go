// metrics.go - Sync engine instrumentation.
// Copyright (C) 2026  The Quietpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "quietpost"
	subsystem = "engine"
)

var (
	exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exchanges_total",
			Help:      "Number of sync exchanges by result.",
		},
		[]string{"result"},
	)
	entriesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_applied_total",
			Help:      "Number of remote entries applied to the local store.",
		},
		[]string{"kind"},
	)
	entriesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_sent_total",
			Help:      "Number of entries sent to peers.",
		},
		[]string{"kind"},
	)
	resourceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resource_fetches_total",
			Help:      "Number of attachment fetch attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(exchangesTotal)
	prometheus.MustRegister(entriesApplied)
	prometheus.MustRegister(entriesSent)
	prometheus.MustRegister(resourceFetches)
}
