package stats

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series names one value read from the server's /metrics page. A non-empty
// label restricts the match to sample lines carrying that label pair, and
// matching samples are summed.
type series struct {
	key    string
	metric string
	label  string
}

// counters and gauges shown in the report table, in display order.
var tableSeries = []series{
	{key: "Connections", metric: "lobby_connections_total"},
	{key: "Online", metric: "lobby_online_identities"},
	{key: "Msgs Sent", metric: "lobby_messages_total", label: `type="sent"`},
	{key: "Msgs Delivered", metric: "lobby_messages_total", label: `type="delivered"`},
	{key: "Msgs Rejected", metric: "lobby_messages_total", label: `type="rejected"`},
	{key: "Joined", metric: "lobby_presence_transitions_total", label: `kind="joined"`},
	{key: "Left", metric: "lobby_presence_transitions_total", label: `kind="left"`},
	{key: "Evictions", metric: "lobby_broadcast_evictions_total"},
}

// histograms reported as an average over the run.
var histogramSeries = []struct {
	label string
	unit  string
	base  string
}{
	{label: "Append Latency", unit: "s", base: "lobby_append_latency_seconds"},
	{label: "Catch-up Size", unit: " msgs", base: "lobby_catch_up_messages"},
}

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's Prometheus endpoint during a run so the report
// can show how server-side counters moved.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper returns a scraper for metricsURL polling every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot now, then one per interval until ctx ends or Stop
// is called, and a last one on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.record()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.record()
				return
			case <-ticker.C:
				s.record()
			}
		}
	}()
}

// Stop ends polling and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scraper) record() {
	values, err := s.scrape()
	if err != nil {
		// The server may still be starting.
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

func (s *Scraper) scrape() (map[string]float64, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics: unexpected status %s", resp.Status)
	}

	values := make(map[string]float64)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseSample(line)
		if !ok {
			continue
		}
		for _, sr := range tableSeries {
			if sr.metric == name && (sr.label == "" || strings.Contains(labels, sr.label)) {
				values[sr.key] += value
			}
		}
		for _, h := range histogramSeries {
			switch name {
			case h.base + "_sum", h.base + "_count":
				values[name] = value
			}
		}
	}
	return values, scanner.Err()
}

// parseSample splits a text exposition sample `name{labels} value [ts]`
// into its parts. labels is empty for unlabeled samples.
func parseSample(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+end]
		rest = line[open+end+1:]
	} else {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return "", "", 0, false
		}
		name, rest = line[:sp], line[sp:]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report prints the first, last, delta and peak of every tracked series
// plus histogram averages over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, sr := range tableSeries {
		peak := first.values[sr.key]
		for _, sn := range snaps {
			if v := sn.values[sr.key]; v > peak {
				peak = v
			}
		}
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", sr.key,
			first.values[sr.key], last.values[sr.key],
			last.values[sr.key]-first.values[sr.key], peak)
	}

	fmt.Println()
	for _, h := range histogramSeries {
		sum := last.values[h.base+"_sum"] - first.values[h.base+"_sum"]
		count := last.values[h.base+"_count"] - first.values[h.base+"_count"]
		if count <= 0 {
			fmt.Printf("  %-16s avg: N/A  (no observations)\n", h.label)
			continue
		}
		fmt.Printf("  %-16s avg: %.4f%s  (%.0f observations)\n", h.label, sum/count, h.unit, count)
	}
}
