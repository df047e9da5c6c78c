package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/lobby/loadtest/client"
	"github.com/whisper/lobby/loadtest/stats"
)

// runReconnect joins members, disconnects a share of them while the rest
// post, then reconnects them with their last message id and checks that the
// catch-up holds exactly the messages posted while they were away.
func runReconnect(args []string) {
	var dropShare float64
	f := parseRoomFlags("reconnect", args, func(fs *flag.FlagSet) {
		fs.Float64Var(&dropShare, "drop", 0.5, "Share of members that disconnect")
	})
	fmt.Printf("Reconnect test: %d members, %.0f%% drop, %d messages per poster (run=%s)\n",
		f.members, dropShare*100, f.messages, f.run)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := startScraper(ctx, f, collector)

	members := joinAll(ctx, f, collector)
	defer closeAll(members)

	drop := int(float64(len(members)) * dropShare)
	if drop == 0 || drop == len(members) {
		fmt.Println("Need at least one dropping and one staying member, aborting.")
		collector.Report()
		return
	}
	away, stay := members[:drop], members[drop:]

	// -----------------------------------------------------------------------
	// Drop phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Drop phase ---")
	lastIDs := make(map[int]string, len(away))
	for _, m := range away {
		lastIDs[m.idx] = m.c.LastMessageID()
		m.c.Close()
		<-m.c.Done()
	}
	fmt.Printf("Disconnected %d members\n", len(away))

	postAll(ctx, f, stay, collector)
	want := len(stay) * f.messages
	settle(ctx, f, stay, want)

	// -----------------------------------------------------------------------
	// Reconnect phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Reconnect phase ---")
	var wg sync.WaitGroup
	for _, m := range away {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			count, err := m.rejoin(ctx, f, collector, lastIDs[m.idx])
			if err != nil {
				collector.AddError()
				return
			}
			missing := want - count
			if missing < 0 {
				missing = 0
			}
			collector.AddOrder(0, count > want, missing)
		}(m)
	}
	wg.Wait()

	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

// rejoin reconnects with last and returns how many of this run's messages
// the initial batch carried.
func (m *member) rejoin(ctx context.Context, f roomFlags, collector *stats.Collector, last string) (int, error) {
	batch := make(chan []client.Message, 1)
	onBatch := func(raw json.RawMessage) {
		var ev struct {
			Messages []client.Message `json:"messages"`
		}
		_ = json.Unmarshal(raw, &ev)
		select {
		case batch <- ev.Messages:
		default:
		}
	}

	start := time.Now()
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, f.url, last)
	if err != nil {
		return 0, err
	}
	m.c = c
	c.On(client.TypeCatchUp, onBatch)
	c.On(client.TypeHistory, onBatch)
	c.Start()

	select {
	case msgs := <-batch:
		collector.AddCatchUp(time.Since(start))
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		n := 0
		for _, msg := range msgs {
			if _, ok := parseBody(f.run, msg.Body); ok {
				n++
			}
		}
		return n, nil
	case <-connCtx.Done():
		return 0, fmt.Errorf("member %d: no catch-up: %w", m.idx, connCtx.Err())
	}
}
