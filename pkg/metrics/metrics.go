// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// zeusNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	zeusNamespace = "zeus"

	presenceSubsystem = "presence"
	buildSubsystem    = "build"

	// 以下为当前使用的通用标签名。
	statusLabelName = "status"
	reasonLabelName = "reason"
	eventLabelName  = "event"
)

var (
	// longTaskBuckets 为长耗时任务的桶划分，单位为毫秒。
	longTaskBuckets = []float64{1, 100, 500, 1000, 5000, 10000, 20000, 50000, 100000, 250000, 500000, 1000000}

	// PresenceSessions 为当前登记在册的访问会话总数。
	PresenceSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Subsystem: presenceSubsystem,
			Name:      "sessions",
			Help:      "number of tracked access sessions",
		})

	// PresenceChannels 为当前绑定了长连接通道的会话数。
	PresenceChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Subsystem: presenceSubsystem,
			Name:      "channels",
			Help:      "number of sessions with a live channel bound",
		})

	// PresenceDeliveries 为事件扇出的投递结果计数。
	PresenceDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: presenceSubsystem,
			Name:      "deliveries_total",
			Help:      "per-channel fanout delivery results",
		}, []string{eventLabelName, statusLabelName})

	// PresenceEvictions 为后台清理任务移除的会话记录计数。
	PresenceEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: presenceSubsystem,
			Name:      "evictions_total",
			Help:      "session records evicted by the reaper or validation",
		}, []string{reasonLabelName})

	// BuildTotal 为站点构建次数计数。
	BuildTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: buildSubsystem,
			Name:      "total",
			Help:      "site build attempts by final status",
		}, []string{statusLabelName})

	// BuildDuration 为站点构建耗时直方图，单位为毫秒。
	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: zeusNamespace,
			Subsystem: buildSubsystem,
			Name:      "duration_ms",
			Help:      "site build duration in milliseconds",
			Buckets:   longTaskBuckets,
		})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常应在 init 函数中调用。
func Register(r prometheus.Registerer) {
	r.MustRegister(PresenceSessions)
	r.MustRegister(PresenceChannels)
	r.MustRegister(PresenceDeliveries)
	r.MustRegister(PresenceEvictions)
	r.MustRegister(BuildTotal)
	r.MustRegister(BuildDuration)
	metricRegisterer = r
}
