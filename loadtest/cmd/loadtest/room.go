package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/lobby/loadtest/client"
	"github.com/whisper/lobby/loadtest/stats"
)

// member is one simulated participant. seen holds the ids of this run's
// messages in the order they arrived.
type member struct {
	idx     int
	name    string
	c       *client.Client
	welcome chan struct{}
	once    sync.Once

	mu   sync.Mutex
	seen []string
}

func (m *member) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

// roomFlags are shared by the room and reconnect commands.
type roomFlags struct {
	url         string
	metricsURL  string
	members     int
	messages    int
	interval    time.Duration
	concurrency int
	settle      time.Duration
	run         string
}

func parseRoomFlags(name string, args []string, extra func(fs *flag.FlagSet)) roomFlags {
	var f roomFlags
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&f.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.StringVar(&f.metricsURL, "metrics", "http://localhost:8080/metrics", "Prometheus endpoint to scrape (empty disables)")
	fs.IntVar(&f.members, "members", 50, "Number of members joining the room")
	fs.IntVar(&f.messages, "messages", 20, "Messages posted by each member")
	fs.DurationVar(&f.interval, "interval", 200*time.Millisecond, "Pause between a member's posts")
	fs.IntVar(&f.concurrency, "concurrency", 20, "Maximum simultaneous connection attempts")
	fs.DurationVar(&f.settle, "settle", 5*time.Second, "How long to wait for deliveries after the last post")
	fs.StringVar(&f.run, "run", "", "Run id used in display names (default: derived from the clock)")
	if extra != nil {
		extra(fs)
	}
	fs.Parse(args)
	if f.run == "" {
		f.run = strconv.FormatInt(time.Now().Unix()%100000, 36)
	}
	return f
}

// runRoom connects members, has each claim a unique name, lets every member
// post concurrently and then checks that all members received every message
// in the same order.
func runRoom(args []string) {
	f := parseRoomFlags("room", args, nil)
	fmt.Printf("Room test: %d members x %d messages to %s (run=%s)\n", f.members, f.messages, f.url, f.run)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := startScraper(ctx, f, collector)

	members := joinAll(ctx, f, collector)
	defer closeAll(members)
	if len(members) == 0 {
		fmt.Println("No member joined, aborting.")
		collector.Report()
		return
	}

	postAll(ctx, f, members, collector)
	settle(ctx, f, members, len(members)*f.messages)

	verify(members, len(members)*f.messages, collector)
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

func startScraper(ctx context.Context, f roomFlags, collector *stats.Collector) *stats.Scraper {
	if f.metricsURL == "" {
		return nil
	}
	s := stats.NewScraper(f.metricsURL, 2*time.Second)
	s.Start(ctx)
	collector.SetScraper(s)
	return s
}

// -----------------------------------------------------------------------
// Join phase
// -----------------------------------------------------------------------

func joinAll(ctx context.Context, f roomFlags, collector *stats.Collector) []*member {
	fmt.Println("\n--- Join phase ---")

	var (
		mu      sync.Mutex
		members = make([]*member, 0, f.members)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, f.concurrency)
	)

	start := time.Now()
	for i := 0; i < f.members; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			m := &member{idx: i, name: fmt.Sprintf("lt-%s-%d", f.run, i), welcome: make(chan struct{})}
			if err := m.connect(ctx, f, collector, ""); err != nil {
				collector.AddError()
				return
			}
			if err := m.c.Claim(m.name); err != nil {
				collector.AddError()
				m.c.Close()
				return
			}

			joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			select {
			case <-m.welcome:
			case <-joinCtx.Done():
				collector.AddError()
				m.c.Close()
				return
			}

			mu.Lock()
			members = append(members, m)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	fmt.Printf("Joined %d/%d members in %s (%d errors)\n",
		len(members), f.members, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return members
}

// connect dials the lobby and wires the handlers every scenario needs.
func (m *member) connect(ctx context.Context, f roomFlags, collector *stats.Collector, last string) error {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, f.url, last)
	if err != nil {
		return err
	}
	m.c = c

	c.On(client.TypeWelcome, func(json.RawMessage) {
		m.once.Do(func() { close(m.welcome) })
	})
	c.On(client.TypeMessage, func(raw json.RawMessage) {
		var ev struct {
			Message client.Message `json:"message"`
		}
		if json.Unmarshal(raw, &ev) != nil {
			return
		}
		if sent, ok := parseBody(f.run, ev.Message.Body); ok {
			collector.AddDelivery(time.Since(sent))
			m.record(ev.Message.ID)
		}
	})
	c.On(client.TypeRejected, func(raw json.RawMessage) {
		var rej struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(raw, &rej)
		collector.AddRejection(rej.Code)
	})
	c.Start()

	if err := c.WaitForSession(connCtx); err != nil {
		c.Close()
		return err
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return nil
}

func (m *member) record(id string) {
	m.mu.Lock()
	m.seen = append(m.seen, id)
	m.mu.Unlock()
}

// -----------------------------------------------------------------------
// Post phase
// -----------------------------------------------------------------------

func postAll(ctx context.Context, f roomFlags, members []*member, collector *stats.Collector) {
	fmt.Println("\n--- Post phase ---")
	start := time.Now()

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			post(ctx, f, m, f.messages, collector)
		}(m)
	}
	wg.Wait()

	fmt.Printf("Posted %d messages in %s\n", len(members)*f.messages, time.Since(start).Round(time.Millisecond))
}

func post(ctx context.Context, f roomFlags, m *member, n int, collector *stats.Collector) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		if err := m.c.Post(formatBody(f.run, m.idx, i)); err != nil {
			collector.AddError()
			return
		}
		collector.AddPosted()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// settle waits until every member saw want messages, or the settle time ran
// out.
func settle(ctx context.Context, f roomFlags, members []*member, want int) {
	deadline := time.NewTimer(f.settle)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		done := true
		for _, m := range members {
			if len(m.ids()) < want {
				done = false
				break
			}
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			fmt.Println("Settle time elapsed with deliveries outstanding.")
			return
		case <-ticker.C:
		}
	}
}

// -----------------------------------------------------------------------
// Verification
// -----------------------------------------------------------------------

// verify compares every member's arrival order with the first member's.
func verify(members []*member, want int, collector *stats.Collector) {
	reference := members[0].ids()
	for _, m := range members {
		got := m.ids()
		missing := want - len(got)
		if missing < 0 {
			missing = 0
		}
		collector.AddOrder(m.c.GetMetrics().OutOfOrder, !samePrefix(reference, got), missing)
	}
}

// samePrefix reports whether the shorter of a and b is a prefix of the
// longer, so a member that missed the tail is counted as missing rather than
// reordered.
func samePrefix(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func closeAll(members []*member) {
	for _, m := range members {
		m.c.Close()
	}
}

// formatBody encodes the run, author, index and send time into a message
// body so receivers can measure fan-out latency.
func formatBody(run string, member, i int) string {
	return fmt.Sprintf("%s|%d|%d|%d", run, member, i, time.Now().UnixNano())
}

func parseBody(run, body string) (time.Time, bool) {
	parts := strings.Split(body, "|")
	if len(parts) != 4 || parts[0] != run {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
