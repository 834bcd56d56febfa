/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package monitor keeps in-process counters for the detection pipeline.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/logging"
)

const throughputWindow = 10 * time.Second

// PerformanceMonitor tracks detection outcomes and processing latency
type PerformanceMonitor struct {
	mutex sync.RWMutex

	// Processing metrics
	requestsProcessed   uint64
	totalProcessingTime time.Duration
	maxProcessingTime   time.Duration
	minProcessingTime   time.Duration

	// Outcome counters
	classifications map[string]uint64
	failures        map[string]uint64
	rejections      map[string]uint64

	// Throughput tracking
	lastThroughputCheck  time.Time
	requestsInLastPeriod uint64
	currentThroughput    float64 // requests per second

	recommendations []string
}

// Metrics is a point-in-time copy of the monitor's counters
type Metrics struct {
	RequestsProcessed     uint64            `json:"requests_processed"`
	AverageProcessingTime time.Duration     `json:"-"`
	MaxProcessingTime     time.Duration     `json:"-"`
	MinProcessingTime     time.Duration     `json:"-"`
	CurrentThroughput     float64           `json:"current_throughput_rps"`
	Classifications       map[string]uint64 `json:"classifications"`
	Failures              map[string]uint64 `json:"failures"`
	Rejections            map[string]uint64 `json:"rejections"`
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		classifications:     make(map[string]uint64),
		failures:            make(map[string]uint64),
		rejections:          make(map[string]uint64),
		lastThroughputCheck: time.Now(),
	}
}

// RecordDetection records a successful verdict
func (pm *PerformanceMonitor) RecordDetection(classification string, processingTime time.Duration) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	pm.classifications[classification]++
	pm.recordProcessing(processingTime)
}

// RecordFailure records a request that produced a Failure result
func (pm *PerformanceMonitor) RecordFailure(kind string, processingTime time.Duration) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	pm.failures[kind]++
	pm.recordProcessing(processingTime)
}

// RecordRejection records a request turned away before processing
// (unauthorized, unsupported language, malformed body)
func (pm *PerformanceMonitor) RecordRejection(reason string) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.rejections[reason]++
}

// recordProcessing must be called with the mutex held
func (pm *PerformanceMonitor) recordProcessing(processingTime time.Duration) {
	pm.requestsProcessed++
	pm.totalProcessingTime += processingTime

	if processingTime > pm.maxProcessingTime {
		pm.maxProcessingTime = processingTime
	}
	if pm.requestsProcessed == 1 || processingTime < pm.minProcessingTime {
		pm.minProcessingTime = processingTime
	}

	pm.requestsInLastPeriod++

	now := time.Now()
	if elapsed := now.Sub(pm.lastThroughputCheck); elapsed >= throughputWindow {
		pm.currentThroughput = float64(pm.requestsInLastPeriod) / elapsed.Seconds()
		pm.requestsInLastPeriod = 0
		pm.lastThroughputCheck = now
		pm.updateRecommendations()
	}
}

// GetMetrics returns a copy of the current metrics
func (pm *PerformanceMonitor) GetMetrics() Metrics {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	return Metrics{
		RequestsProcessed:     pm.requestsProcessed,
		AverageProcessingTime: pm.averageProcessingTime(),
		MaxProcessingTime:     pm.maxProcessingTime,
		MinProcessingTime:     pm.minProcessingTime,
		CurrentThroughput:     pm.currentThroughput,
		Classifications:       copyCounts(pm.classifications),
		Failures:              copyCounts(pm.failures),
		Rejections:            copyCounts(pm.rejections),
	}
}

// GetPerformanceStatus returns the metrics in a form suitable for the health endpoint
func (pm *PerformanceMonitor) GetPerformanceStatus() map[string]interface{} {
	m := pm.GetMetrics()

	pm.mutex.RLock()
	recommendations := append([]string(nil), pm.recommendations...)
	pm.mutex.RUnlock()

	var failed uint64
	for _, n := range m.Failures {
		failed += n
	}
	var failureRate float64
	if m.RequestsProcessed > 0 {
		failureRate = float64(failed) / float64(m.RequestsProcessed) * 100
	}

	return map[string]interface{}{
		"requests_processed":         m.RequestsProcessed,
		"average_processing_time_ms": m.AverageProcessingTime.Milliseconds(),
		"max_processing_time_ms":     m.MaxProcessingTime.Milliseconds(),
		"min_processing_time_ms":     m.MinProcessingTime.Milliseconds(),
		"current_throughput_rps":     m.CurrentThroughput,
		"classifications":            m.Classifications,
		"failures":                   m.Failures,
		"rejections":                 m.Rejections,
		"failure_rate":               failureRate,
		"recommendations":            recommendations,
	}
}

func (pm *PerformanceMonitor) averageProcessingTime() time.Duration {
	if pm.requestsProcessed == 0 {
		return 0
	}
	//nolint:gosec // request counts stay far below int64 overflow
	return pm.totalProcessingTime / time.Duration(pm.requestsProcessed)
}

// updateRecommendations must be called with the mutex held
func (pm *PerformanceMonitor) updateRecommendations() {
	pm.recommendations = nil

	if pm.averageProcessingTime() > time.Second {
		pm.recommendations = append(pm.recommendations,
			"Average processing time is above 1s. Consider lowering the maximum audio duration.")
	}

	if pm.requestsProcessed > 0 {
		decodeRate := float64(pm.failures["decode"]) / float64(pm.requestsProcessed) * 100
		if decodeRate > 10 {
			pm.recommendations = append(pm.recommendations,
				"High decode failure rate (>10%). Check client audio encoding.")
		}
	}

	if pm.failures["timeout"] > 0 {
		pm.recommendations = append(pm.recommendations,
			"Requests are timing out. Consider raising the processing timeout.")
	}
}

// LogPerformanceSummary writes the current metrics to the log
func (pm *PerformanceMonitor) LogPerformanceSummary() {
	m := pm.GetMetrics()
	logging.Logger.Info("Detection performance summary",
		zap.Uint64("requests_processed", m.RequestsProcessed),
		zap.Duration("average_processing_time", m.AverageProcessingTime),
		zap.Duration("max_processing_time", m.MaxProcessingTime),
		zap.Float64("throughput_rps", m.CurrentThroughput),
		zap.Any("classifications", m.Classifications),
		zap.Any("failures", m.Failures),
	)
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
