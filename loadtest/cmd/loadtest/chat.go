package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parley/chat-app/loadtest/client"
	"github.com/parley/chat-app/loadtest/stats"
)

// pairResult tracks the outcome of a single chat pair's lifecycle.
type pairResult struct {
	joined  bool
	msgSent int64
}

// runChat implements the room fan-out load test. Each simulated pair goes
// through the complete flow: connect -> setup -> join a shared room ->
// exchange messages -> disconnect. Delivery latency is measured end to end
// from the sender's timestamp embedded in each message event to the moment
// the partner's read loop sees it.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of participant pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per participant")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, totalClients)

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all participants
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all participants ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	interrupted := false
	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			launched++
			id := launched
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, fmt.Sprintf("chat-user-%d", id))
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForConnected(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping chat phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// We need an even number of clients to form pairs. Drop any extra.
	mu.Lock()
	if len(clients)%2 != 0 {
		extra := clients[len(clients)-1]
		clients = clients[:len(clients)-1]
		extra.Close()
	}
	actualPairs := len(clients) / 2
	mu.Unlock()

	if actualPairs == 0 {
		fmt.Println("No pairs could be formed — not enough connections.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Join rooms and exchange messages
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d chat pairs ---\n", actualPairs)

	var totalSent, totalRecv atomic.Int64
	var msgSeq atomic.Int64

	payload := strings.Repeat("x", *msgSize)

	results := make([]pairResult, actualPairs)
	var pairWg sync.WaitGroup

	// Progress reporting during the chat phase.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  received: %d  errors: %d\n",
					totalSent.Load(), totalRecv.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	for p := 0; p < actualPairs; p++ {
		pairWg.Add(1)

		go func(p int) {
			defer pairWg.Done()

			mu.Lock()
			a, b := clients[p*2], clients[p*2+1]
			mu.Unlock()

			chatID := fmt.Sprintf("loadtest-room-%d", p)
			participants := []string{a.ParticipantID(), b.ParticipantID()}

			// Each side records the delivery latency of incoming messages
			// using the sender timestamp embedded in the event.
			onReceive := func(raw json.RawMessage) {
				var msg struct {
					Message struct {
						Ts int64 `json:"ts"`
					} `json:"message"`
				}
				if err := json.Unmarshal(raw, &msg); err != nil || msg.Message.Ts == 0 {
					return
				}
				latency := time.Since(time.UnixMilli(msg.Message.Ts))
				if latency > 0 {
					collector.AddDeliveryLatency(latency)
				}
				totalRecv.Add(1)
			}
			a.On(client.TypeMessageReceived, onReceive)
			b.On(client.TypeMessageReceived, onReceive)

			if err := a.JoinRoom(chatID); err != nil {
				collector.AddError()
				return
			}
			if err := b.JoinRoom(chatID); err != nil {
				collector.AddError()
				return
			}
			results[p].joined = true

			// Both sides send on the same interval until the chat duration
			// elapses or the test is interrupted.
			sendLoop := func(sender *client.Client) {
				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				deadline := time.After(*chatDuration)

				for {
					select {
					case <-ctx.Done():
						return
					case <-deadline:
						return
					case <-ticker.C:
						seq := msgSeq.Add(1)
						err := sender.Send(map[string]interface{}{
							"type": client.TypeNewMessage,
							"message": map[string]interface{}{
								"id":     fmt.Sprintf("lt-%d", seq),
								"sender": sender.ParticipantID(),
								"chat": map[string]interface{}{
									"id":           chatID,
									"participants": participants,
								},
								"body": payload,
								"ts":   time.Now().UnixMilli(),
							},
						})
						if err != nil {
							collector.AddError()
							return
						}
						totalSent.Add(1)
						atomic.AddInt64(&results[p].msgSent, 1)
					}
				}
			}

			var sideWg sync.WaitGroup
			sideWg.Add(2)
			go func() { defer sideWg.Done(); sendLoop(a) }()
			go func() { defer sideWg.Done(); sendLoop(b) }()
			sideWg.Wait()
		}(p)
	}

	pairWg.Wait()
	close(progressStop)
	progressWg.Wait()

	// Give in-flight messages a moment to arrive before tearing down.
	time.Sleep(2 * time.Second)

	joined := 0
	for _, r := range results {
		if r.joined {
			joined++
		}
	}

	fmt.Printf("\nPhase 2 complete: %d/%d pairs joined  sent: %d  received: %d\n",
		joined, actualPairs, totalSent.Load(), totalRecv.Load())

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// cleanup closes every tracked client connection.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
