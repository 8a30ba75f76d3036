// Package main implements a standalone end-to-end integration test for the
// Parley chat relay. It validates the full participant journey against a
// running stack: health checks, WebSocket handshake, room join, message
// fan-out, typing indicators, and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/parley/chat-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Parley E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectHandshake(ctx, *wsURL))
	results = append(results, scenario3MessageFanout(ctx, *wsURL))
	results = append(results, scenario4TypingRelay(ctx, *wsURL))

	// Optional scenario (non-fatal).
	results = append(results, scenario5RateLimiting(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return scenarioResult{name, resultFail,
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect + setup handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Connect + Setup Handshake"

	c, err := client.New(ctx, wsURL, "e2e-handshake")
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()

	handshakeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForConnected(handshakeCtx); err != nil {
		return scenarioResult{name, resultFail, "no connected ack: " + err.Error()}
	}

	m := c.GetMetrics()
	return scenarioResult{name, resultPass,
		fmt.Sprintf("setup latency %s", m.SetupLatency.Round(time.Millisecond))}
}

// ---------------------------------------------------------------------------
// Scenario 3: Room join + message fan-out
// ---------------------------------------------------------------------------

func scenario3MessageFanout(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 3: Message Fan-out"

	alice, bob, res := connectPair(ctx, wsURL, name, "e2e-alice", "e2e-bob")
	if res != nil {
		return *res
	}
	defer alice.Close()
	defer bob.Close()

	chatID := "e2e-room-fanout"
	received := make(chan string, 1)
	bob.On(client.TypeMessageReceived, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				Body string `json:"body"`
			} `json:"message"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			select {
			case received <- msg.Message.Body:
			default:
			}
		}
	})

	if err := alice.JoinRoom(chatID); err != nil {
		return scenarioResult{name, resultFail, "alice join: " + err.Error()}
	}
	if err := bob.JoinRoom(chatID); err != nil {
		return scenarioResult{name, resultFail, "bob join: " + err.Error()}
	}

	sentAt := time.Now()
	err := alice.Send(map[string]interface{}{
		"type": client.TypeNewMessage,
		"message": map[string]interface{}{
			"id":     "e2e-msg-1",
			"sender": alice.ParticipantID(),
			"chat": map[string]interface{}{
				"id":           chatID,
				"participants": []string{alice.ParticipantID(), bob.ParticipantID()},
			},
			"body": "hello from e2e",
			"ts":   sentAt.UnixMilli(),
		},
	})
	if err != nil {
		return scenarioResult{name, resultFail, "send: " + err.Error()}
	}

	select {
	case body := <-received:
		if body != "hello from e2e" {
			return scenarioResult{name, resultFail, "wrong body: " + body}
		}
		return scenarioResult{name, resultPass,
			fmt.Sprintf("delivered in %s", time.Since(sentAt).Round(time.Millisecond))}
	case <-time.After(5 * time.Second):
		return scenarioResult{name, resultFail, "message never delivered to partner"}
	}
}

// ---------------------------------------------------------------------------
// Scenario 4: Typing indicator relay
// ---------------------------------------------------------------------------

func scenario4TypingRelay(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 4: Typing Relay"

	alice, bob, res := connectPair(ctx, wsURL, name, "e2e-typer", "e2e-watcher")
	if res != nil {
		return *res
	}
	defer alice.Close()
	defer bob.Close()

	chatID := "e2e-room-typing"
	typing := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	bob.On(client.TypeTyping, func(json.RawMessage) {
		select {
		case typing <- struct{}{}:
		default:
		}
	})
	bob.On(client.TypeStopTyping, func(json.RawMessage) {
		select {
		case stopped <- struct{}{}:
		default:
		}
	})

	if err := alice.JoinRoom(chatID); err != nil {
		return scenarioResult{name, resultFail, "alice join: " + err.Error()}
	}
	if err := bob.JoinRoom(chatID); err != nil {
		return scenarioResult{name, resultFail, "bob join: " + err.Error()}
	}

	if err := alice.Send(map[string]string{"type": client.TypeTyping, "chat_id": chatID}); err != nil {
		return scenarioResult{name, resultFail, "send typing: " + err.Error()}
	}

	select {
	case <-typing:
	case <-time.After(5 * time.Second):
		return scenarioResult{name, resultFail, "typing indicator never relayed"}
	}

	// Go silent and wait for the relay's synthetic stop.
	select {
	case <-stopped:
		return scenarioResult{name, resultPass, "auto-stop relayed"}
	case <-time.After(10 * time.Second):
		return scenarioResult{name, resultFail, "auto-stop never relayed"}
	}
}

// ---------------------------------------------------------------------------
// Scenario 5: Rate limiting (optional)
// ---------------------------------------------------------------------------

func scenario5RateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 5: Rate Limiting"

	alice, bob, res := connectPair(ctx, wsURL, name, "e2e-flooder", "e2e-victim")
	if res != nil {
		return scenarioResult{name, resultInfo, res.detail}
	}
	defer alice.Close()
	defer bob.Close()

	chatID := "e2e-room-flood"
	limited := make(chan struct{}, 1)
	alice.On(client.TypeError, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Code == "rate_limited" {
			select {
			case limited <- struct{}{}:
			default:
			}
		}
	})

	// Send well past the per-connection message budget.
	for i := 0; i < 30; i++ {
		_ = alice.Send(map[string]interface{}{
			"type": client.TypeNewMessage,
			"message": map[string]interface{}{
				"id":     fmt.Sprintf("e2e-flood-%d", i),
				"sender": alice.ParticipantID(),
				"chat": map[string]interface{}{
					"id":           chatID,
					"participants": []string{alice.ParticipantID(), bob.ParticipantID()},
				},
				"body": "flood",
				"ts":   time.Now().UnixMilli(),
			},
		})
	}

	select {
	case <-limited:
		return scenarioResult{name, resultPass, "rate limit enforced"}
	case <-time.After(5 * time.Second):
		// The limiter fails open without Redis, so this is informational.
		return scenarioResult{name, resultInfo, "no rate_limited error observed"}
	}
}

// connectPair connects and sets up two clients, failing the scenario if
// either handshake does not complete.
func connectPair(ctx context.Context, wsURL, scenario, idA, idB string) (*client.Client, *client.Client, *scenarioResult) {
	a, err := client.New(ctx, wsURL, idA)
	if err != nil {
		r := scenarioResult{scenario, resultFail, "connect " + idA + ": " + err.Error()}
		return nil, nil, &r
	}
	b, err := client.New(ctx, wsURL, idB)
	if err != nil {
		a.Close()
		r := scenarioResult{scenario, resultFail, "connect " + idB + ": " + err.Error()}
		return nil, nil, &r
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.WaitForConnected(handshakeCtx); err != nil {
		a.Close()
		b.Close()
		r := scenarioResult{scenario, resultFail, idA + " handshake: " + err.Error()}
		return nil, nil, &r
	}
	if err := b.WaitForConnected(handshakeCtx); err != nil {
		a.Close()
		b.Close()
		r := scenarioResult{scenario, resultFail, idB + " handshake: " + err.Error()}
		return nil, nil, &r
	}

	return a, b, nil
}
