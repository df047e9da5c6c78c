// Package stats provides a goroutine-safe metrics collector that aggregates
// performance data from multiple load test clients and prints a summary report
// with percentile distributions and fan-out consistency counters.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe and can be called concurrently from many client
// goroutines.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	fanoutLatencies  []time.Duration
	catchUpLatencies []time.Duration
	errors           int
	rejections       map[string]int // by code
	connections      int
	posted           int
	delivered        int
	outOfOrder       int
	orderMismatches  int
	missing          int
	startTime        time.Time
	scraper          *Scraper
}

// SetScraper attaches a Prometheus metrics scraper to this collector. When set,
// Report() will also print server-side metrics collected by the scraper.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), rejections: make(map[string]int)}
}

// AddConnect records a successful connection with the given connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddPosted counts a send_message the test issued.
func (c *Collector) AddPosted() {
	c.mu.Lock()
	c.posted++
	c.mu.Unlock()
}

// AddDelivery records one message event received by one member, with the
// time from the author's send to this member's receipt.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.delivered++
	c.mu.Unlock()
}

// AddCatchUp records how long a reconnecting member waited for its catch-up.
func (c *Collector) AddCatchUp(d time.Duration) {
	c.mu.Lock()
	c.catchUpLatencies = append(c.catchUpLatencies, d)
	c.mu.Unlock()
}

// AddRejection counts a rejected action by code.
func (c *Collector) AddRejection(code string) {
	c.mu.Lock()
	c.rejections[code]++
	c.mu.Unlock()
}

// AddOrder folds one member's delivery check into the totals: outOfOrder
// events whose seq did not increase, whether its sequence differed from the
// reference member's, and how many expected messages it never received.
func (c *Collector) AddOrder(outOfOrder int, mismatch bool, missing int) {
	c.mu.Lock()
	c.outOfOrder += outOfOrder
	if mismatch {
		c.orderMismatches++
	}
	c.missing += missing
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the current number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a formatted summary of the collected metrics to stdout,
// including total duration, connection count, error count, and percentile
// distributions for connect and message latencies.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Lobby Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)

	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:   %.2f%%\n", errorRate)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}

	fmt.Println("\n--- Fan-out ---")
	fmt.Printf("  Posted:          %d\n", c.posted)
	fmt.Printf("  Delivered:       %d\n", c.delivered)
	fmt.Printf("  Missing:         %d\n", c.missing)
	fmt.Printf("  Out of order:    %d\n", c.outOfOrder)
	fmt.Printf("  Order mismatch:  %d members\n", c.orderMismatches)
	for code, n := range c.rejections {
		fmt.Printf("  Rejected %-16s %d\n", code+":", n)
	}

	if len(c.fanoutLatencies) > 0 {
		fmt.Println("\n--- Fan-out Latency ---")
		printPercentiles(c.fanoutLatencies)
	}

	if len(c.catchUpLatencies) > 0 {
		fmt.Println("\n--- Catch-up Latency ---")
		printPercentiles(c.catchUpLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// printPercentiles sorts the given durations and prints avg, p50, p95, p99,
// and max values along with the sample count.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
