// Command stress_test load tests the snapshot server of a running node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/api"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address     string
	Concurrency int
	Duration    time.Duration
	AuthToken   string
	Request     string
	Reuse       bool
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

// latencyStats accumulates request latencies from many workers.
type latencyStats struct {
	total   int64
	success int64
	failed  int64
	sum     int64
	min     int64
	max     int64
}

func newLatencyStats() *latencyStats {
	return &latencyStats{min: 1<<63 - 1}
}

func (s *latencyStats) record(latency time.Duration, err error) {
	atomic.AddInt64(&s.total, 1)
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		return
	}
	atomic.AddInt64(&s.success, 1)

	lat := int64(latency)
	atomic.AddInt64(&s.sum, lat)
	for {
		old := atomic.LoadInt64(&s.min)
		if lat >= old || atomic.CompareAndSwapInt64(&s.min, old, lat) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&s.max)
		if lat <= old || atomic.CompareAndSwapInt64(&s.max, old, lat) {
			break
		}
	}
}

func (s *latencyStats) result(duration time.Duration) StressTestResult {
	total := atomic.LoadInt64(&s.total)
	success := atomic.LoadInt64(&s.success)

	r := StressTestResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     atomic.LoadInt64(&s.failed),
		TotalDuration:  duration,
		MaxLatency:     time.Duration(atomic.LoadInt64(&s.max)),
	}
	if success > 0 {
		r.AvgLatency = time.Duration(atomic.LoadInt64(&s.sum) / success)
		r.MinLatency = time.Duration(atomic.LoadInt64(&s.min))
	}
	if duration > 0 {
		r.RequestsPerSec = float64(total) / duration.Seconds()
	}
	return r
}

func main() {
	config := parseFlags()

	fmt.Println("=== HieraChain-PBFT Snapshot Server Stress Test ===")
	fmt.Printf("Target: %s\n", config.Address)
	fmt.Printf("Request: %s\n", config.Request)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Printf("Auth: %v\n", config.AuthToken != "")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()
	result := runStressTest(ctx, config)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:7070", "Snapshot server address")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent workers")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.StringVar(&config.AuthToken, "token", os.Getenv("HIE_AUTH_TOKEN"), "Authentication token")
	flag.StringVar(&config.Request, "r", api.RequestSnapshot, "Request type (snapshot or status)")
	flag.BoolVar(&config.Reuse, "reuse", false, "Reuse one connection per worker")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func runStressTest(ctx context.Context, config StressTestConfig) StressTestResult {
	stats := newLatencyStats()
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, config, stats)
		}()
	}
	wg.Wait()

	return stats.result(time.Since(startTime))
}

func runWorker(ctx context.Context, config StressTestConfig, stats *latencyStats) {
	var client *api.Client
	defer func() {
		if client != nil {
			_ = client.Close()
		}
	}()

	for ctx.Err() == nil {
		if client == nil {
			c, err := api.Dial(ctx, config.Address, config.AuthToken)
			if err != nil {
				stats.record(0, err)
				// Small sleep on error to avoid hammering
				time.Sleep(10 * time.Millisecond)
				continue
			}
			client = c
		}

		latency, err := sendRequest(client, config.Request)
		stats.record(latency, err)

		if err != nil || !config.Reuse {
			_ = client.Close()
			client = nil
		}
	}
}

func sendRequest(client *api.Client, request string) (time.Duration, error) {
	start := time.Now()
	switch request {
	case api.RequestStatus:
		_, err := client.Status()
		return time.Since(start), err
	default:
		_, err := client.Snapshot()
		return time.Since(start), err
	}
}

func printResults(result StressTestResult) {
	var successPct, failedPct float64
	if result.TotalRequests > 0 {
		successPct = float64(result.SuccessfulReqs) / float64(result.TotalRequests) * 100
		failedPct = float64(result.FailedReqs) / float64(result.TotalRequests) * 100
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, successPct)
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, failedPct)
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     config.Address,
			"request":     config.Request,
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
			"reuse":       config.Reuse,
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
