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

package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voicecheck/internal/logging"
)

// ResourceMonitor samples process resources and flags growth over the
// startup baseline. A timed-out detection leaves its pipeline goroutine
// running until decode or analysis returns, so goroutine growth is the
// first symptom of a stuck codec or classifier.
type ResourceMonitor struct {
	startGoroutines int
	startMemoryMB   uint64
	maxGoroutines   int
	maxMemoryMB     uint64
	checkInterval   time.Duration
	mu              sync.RWMutex

	metrics ResourceMetrics
}

// ResourceMetrics holds the last resource sample
type ResourceMetrics struct {
	Goroutines       int
	MemoryMB         uint64
	GCCycles         uint32
	LastGCPause      time.Duration
	InFlightRequests int
	SampledAt        time.Time
}

// NewResourceMonitor records a baseline of the current process
func NewResourceMonitor() *ResourceMonitor {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rm := &ResourceMonitor{
		startGoroutines: runtime.NumGoroutine(),
		startMemoryMB:   m.Alloc / 1024 / 1024,
		maxGoroutines:   1000,
		maxMemoryMB:     1024, // decoded audio is held as float64, 120s at 16kHz is ~15MB per request
		checkInterval:   30 * time.Second,
	}

	logging.Sugar.Infow("ResourceMonitor initialized",
		"baseline_goroutines", rm.startGoroutines,
		"baseline_memory_mb", rm.startMemoryMB)

	return rm
}

// UpdateMetrics takes a new sample
func (rm *ResourceMonitor) UpdateMetrics(inFlight int) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.metrics = ResourceMetrics{
		Goroutines:       runtime.NumGoroutine(),
		MemoryMB:         m.Alloc / 1024 / 1024,
		GCCycles:         m.NumGC,
		//nolint:gosec // PauseNs entries are nanosecond durations
		LastGCPause:      time.Duration(m.PauseNs[(m.NumGC+255)%256]),
		InFlightRequests: inFlight,
		SampledAt:        time.Now(),
	}
}

// GetMetrics returns the last sample
func (rm *ResourceMonitor) GetMetrics() ResourceMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.metrics
}

// CheckResourceLeaks returns a warning for each limit the last sample exceeds
func (rm *ResourceMonitor) CheckResourceLeaks() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var warnings []string

	// Goroutines beyond in-flight requests are pipelines that outlived their timeout
	stray := rm.metrics.Goroutines - rm.startGoroutines - 2*rm.metrics.InFlightRequests
	if stray > 50 {
		warnings = append(warnings,
			fmt.Sprintf("Potential goroutine leak: %d goroutines with %d requests in flight (started with %d)",
				rm.metrics.Goroutines, rm.metrics.InFlightRequests, rm.startGoroutines))
	}

	if rm.metrics.MemoryMB > rm.startMemoryMB && rm.metrics.MemoryMB-rm.startMemoryMB > 256 {
		warnings = append(warnings,
			fmt.Sprintf("Significant memory increase: %dMB (started with %dMB)",
				rm.metrics.MemoryMB, rm.startMemoryMB))
	}

	if rm.metrics.Goroutines > rm.maxGoroutines {
		warnings = append(warnings,
			fmt.Sprintf("Goroutine limit exceeded: %d (max %d)",
				rm.metrics.Goroutines, rm.maxGoroutines))
	}

	if rm.metrics.MemoryMB > rm.maxMemoryMB {
		warnings = append(warnings,
			fmt.Sprintf("Memory limit exceeded: %dMB (max %dMB)",
				rm.metrics.MemoryMB, rm.maxMemoryMB))
	}

	if rm.metrics.LastGCPause > 100*time.Millisecond {
		warnings = append(warnings,
			fmt.Sprintf("High GC pause detected: %v", rm.metrics.LastGCPause))
	}

	return warnings
}

// IsHealthy reports whether the last sample is within limits
func (rm *ResourceMonitor) IsHealthy() bool {
	return len(rm.CheckResourceLeaks()) == 0
}

// GetHealthStatus returns the last sample in a form suitable for the health endpoint
func (rm *ResourceMonitor) GetHealthStatus() map[string]interface{} {
	metrics := rm.GetMetrics()
	warnings := rm.CheckResourceLeaks()

	return map[string]interface{}{
		"healthy":            len(warnings) == 0,
		"warnings":           warnings,
		"goroutines":         metrics.Goroutines,
		"memory_mb":          metrics.MemoryMB,
		"in_flight_requests": metrics.InFlightRequests,
		"gc_cycles":          metrics.GCCycles,
		"last_gc_pause_ns":   int64(metrics.LastGCPause),
	}
}

// Run samples every check interval until ctx is done, logging any warnings.
// inFlight reports the number of detections currently being processed.
func (rm *ResourceMonitor) Run(ctx context.Context, inFlight func() int) {
	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.UpdateMetrics(inFlight())
			for _, warning := range rm.CheckResourceLeaks() {
				logging.LogWarn("Resource warning", zap.String("warning", warning))
			}
		}
	}
}
