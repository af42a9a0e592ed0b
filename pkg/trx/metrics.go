/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trx

import "github.com/prometheus/client_golang/prometheus"

var (
	trxCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lizard",
			Subsystem: "trx",
			Name:      "events",
			Help:      "Counter of transaction events by type.",
		}, []string{"type"})

	activeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lizard",
			Subsystem: "trx",
			Name:      "active",
			Help:      "Number of running transactions.",
		})
)

func init() {
	prometheus.MustRegister(trxCounter)
	prometheus.MustRegister(activeGauge)
}
