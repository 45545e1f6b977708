// Package benchmark - Measures how fast a model preset turns frames into
// verdicts: preprocessing, windowing, inference and decision.
package benchmark

import "time"

// PerformanceMetrics captures the timings of one scenario run.
type PerformanceMetrics struct {
	Scenario  Scenario  `json:"scenario"`
	Timestamp time.Time `json:"timestamp"`
	// Model is the resolved preset name.
	Model              string        `json:"model"`
	TotalDuration      time.Duration `json:"total_duration"`
	PreprocessDuration time.Duration `json:"preprocess_duration"`
	InferenceDuration  time.Duration `json:"inference_duration"`
	DecideDuration     time.Duration `json:"decide_duration"`
	// Frames counts frames pushed during the measured run.
	Frames int `json:"frames"`
	// Windows counts windows handed to the oracle during the measured run.
	Windows          int           `json:"windows"`
	FramesPerSecond  float64       `json:"frames_per_second"`
	WindowsPerSecond float64       `json:"windows_per_second"`
	Alerts           int           `json:"alerts"`
	Errors           int           `json:"errors"`
	ErrorRate        float64       `json:"error_rate"`
	MemoryStats      MemoryMetrics `json:"memory_stats"`
	CPUStats         CPUMetrics    `json:"cpu_stats"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
}

// CPUMetrics captures CPU usage statistics
type CPUMetrics struct {
	NumCPU     int `json:"num_cpu"`
	GOMAXPROCS int `json:"gomaxprocs"`
}

// MeanInference returns the average oracle call duration.
func (m PerformanceMetrics) MeanInference() time.Duration {
	if m.Windows == 0 {
		return 0
	}
	return m.InferenceDuration / time.Duration(m.Windows)
}
