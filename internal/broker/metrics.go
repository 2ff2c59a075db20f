// SPDX-License-Identifier: MIT

package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerad_frames_total",
		Help: "Number of frames decoded and fanned out per camera",
	}, []string{"camera"})

	decodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerad_decode_errors_total",
		Help: "Number of raw buffers dropped because their length did not match the declared geometry",
	}, []string{"camera"})

	viewerDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerad_viewer_drops_total",
		Help: "Number of frames discarded from full live viewer queues",
	}, []string{"camera"})

	recorderOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerad_recorder_overflow_total",
		Help: "Number of recorder feeds failed due to sustained queue overflow",
	}, []string{"camera"})

	viewersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camerad_live_viewers",
		Help: "Current number of live viewer subscriptions per camera",
	}, []string{"camera"})
)
