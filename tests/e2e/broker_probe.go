// Package main probes a live runwire broker end to end.
// Run with: go run ./tests/e2e/broker_probe.go -url http://localhost:8080
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	brokerURL = flag.String("url", "http://localhost:8080", "Broker base URL")
	projectID = flag.String("project", "probe", "Project ID to subscribe to")
	runnerID  = flag.String("runner", "", "Runner ID to inspect (optional)")
	proxyPort = flag.String("port", "", "Dev server port to probe through /proxy (needs -runner)")
	timeout   = flag.Duration("timeout", 15*time.Second, "How long to watch the subscriber socket")
	verbose   = flag.Bool("v", false, "Verbose logging of all WS messages")
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Runners int    `json:"runners"`
	Clients int    `json:"clients"`
}

type runnersResponse struct {
	Runners []struct {
		RunnerID      string    `json:"runnerId"`
		ConnectedAt   time.Time `json:"connectedAt"`
		LastHeartbeat time.Time `json:"lastHeartbeat"`
	} `json:"runners"`
}

type wsMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId,omitempty"`
	Events    []struct {
		Type string `json:"type"`
	} `json:"events"`
}

func wsBase(httpBase string) string {
	base := strings.TrimSuffix(httpBase, "/")
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(base, "http://"); ok {
		return "ws://" + rest
	}
	return base
}

func main() {
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("🧪 Broker E2E Probe")
	log.Printf("   Broker:  %s", *brokerURL)
	log.Printf("   Project: %s", *projectID)
	if *runnerID != "" {
		log.Printf("   Runner:  %s", *runnerID)
	}
	log.Printf("   Timeout: %s", *timeout)
	log.Println()

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimSuffix(*brokerURL, "/")

	// Health first: no point probing a broker that is not up.
	log.Println("🩺 Checking /healthz...")
	resp, err := client.Get(base + "/healthz")
	if err != nil {
		log.Fatalf("❌ Broker unreachable: %v", err)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		resp.Body.Close()
		log.Fatalf("❌ Bad /healthz response: %v", err)
	}
	resp.Body.Close()
	log.Printf("✅ Broker %s is %s (%d runners, %d clients)",
		health.Version, health.Status, health.Runners, health.Clients)

	// Runner inventory.
	log.Println("📋 Listing runners...")
	resp, err = client.Get(base + "/api/runners")
	if err != nil {
		log.Fatalf("❌ /api/runners failed: %v", err)
	}
	var runners runnersResponse
	if err := json.NewDecoder(resp.Body).Decode(&runners); err != nil {
		resp.Body.Close()
		log.Fatalf("❌ Bad /api/runners response: %v", err)
	}
	resp.Body.Close()
	if len(runners.Runners) == 0 {
		log.Println("⚠️  No runners connected")
	}
	for _, r := range runners.Runners {
		log.Printf("   🏃 %s (connected %s, heartbeat %s ago)",
			r.RunnerID,
			r.ConnectedAt.Format(time.RFC3339),
			time.Since(r.LastHeartbeat).Round(time.Second))
	}

	runnerFound := *runnerID == ""
	if *runnerID != "" {
		resp, err = client.Get(base + "/api/runners/" + *runnerID)
		if err != nil {
			log.Fatalf("❌ Runner lookup failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			runnerFound = true
			log.Printf("✅ Runner %s: %s", *runnerID, strings.TrimSpace(string(body)))
		} else {
			log.Printf("❌ Runner %s not connected (status %d)", *runnerID, resp.StatusCode)
		}
	}

	// Proxy probe, if asked for.
	proxyOK := false
	if *runnerID != "" && *proxyPort != "" {
		target := fmt.Sprintf("%s/proxy/%s/%s/%s/", base, *projectID, *runnerID, *proxyPort)
		log.Printf("🔀 Probing proxy %s...", target)
		resp, err = client.Get(target)
		if err != nil {
			log.Printf("❌ Proxy request failed: %v", err)
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			resp.Body.Close()
			log.Printf("   Proxy status %d, first bytes: %q", resp.StatusCode, body)
			proxyOK = resp.StatusCode < 500
		}
	}

	// Subscriber socket: connect, heartbeat, and count batch traffic.
	log.Println("📡 Connecting subscriber socket...")
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, handshake, err := dialer.Dial(wsBase(*brokerURL)+"/ws?projectId="+*projectID, nil)
	if err != nil {
		if handshake != nil {
			log.Fatalf("❌ WebSocket handshake failed: %v (status %d)", err, handshake.StatusCode)
		}
		log.Fatalf("❌ WebSocket connection failed: %v", err)
	}
	defer conn.Close()

	greeted := false
	batchEntries := map[string]int{}
	heartbeatAcks := 0
	frames := make(chan wsMessage, 100)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !strings.Contains(err.Error(), "close") {
					log.Printf("❌ WebSocket read error: %v", err)
				}
				return
			}
			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("⚠️  Failed to parse message: %v", err)
				continue
			}
			if *verbose {
				log.Printf("📨 WS message: %s", data)
			}
			select {
			case frames <- msg:
			default:
			}
		}
	}()

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	timeoutCh := time.After(*timeout)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	log.Println()
	log.Println("⏳ Watching subscriber traffic...")
	log.Println()

WaitLoop:
	for {
		select {
		case msg := <-frames:
			switch msg.Type {
			case "connected":
				greeted = true
				log.Printf("✅ Greeting received (project %s)", *projectID)
			case "heartbeat":
				_ = conn.WriteJSON(map[string]string{"type": "heartbeat"})
			case "heartbeat-ack":
				heartbeatAcks++
			case "batch-update":
				for _, e := range msg.Events {
					batchEntries[e.Type]++
				}
				log.Printf("📦 batch-update: %d entries (session %s)", len(msg.Events), msg.SessionID)
			default:
				log.Printf("📨 Other message: %s", msg.Type)
			}

		case <-heartbeat.C:
			_ = conn.WriteJSON(map[string]string{"type": "heartbeat"})

		case <-timeoutCh:
			log.Println("⏰ Watch window over")
			break WaitLoop

		case <-interrupt:
			log.Println("🛑 Interrupted!")
			break WaitLoop

		case <-done:
			log.Println("🔌 WebSocket closed!")
			break WaitLoop
		}
	}

	totalEntries := 0
	for _, n := range batchEntries {
		totalEntries += n
	}

	log.Println()
	log.Println("═══════════════════════════════════════════════════")
	log.Println("                   PROBE RESULTS                   ")
	log.Println("═══════════════════════════════════════════════════")
	log.Printf("  broker healthy:       %v (version %s)", health.Status == "ok", health.Version)
	log.Printf("  runners connected:    %d", len(runners.Runners))
	log.Printf("  subscriber greeted:   %v", greeted)
	log.Printf("  heartbeat acks:       %d", heartbeatAcks)
	log.Printf("  batch entries seen:   %d", totalEntries)
	for entryType, n := range batchEntries {
		log.Printf("    %-20s%d", entryType, n)
	}
	if *runnerID != "" && *proxyPort != "" {
		log.Printf("  proxy reachable:      %v", proxyOK)
	}
	log.Println("═══════════════════════════════════════════════════")

	switch {
	case health.Status != "ok":
		log.Println("❌ FAIL: broker unhealthy")
		os.Exit(1)
	case !greeted:
		log.Println("❌ FAIL: subscriber socket never greeted")
		log.Println("   → Check the /ws endpoint and allowed origins")
		os.Exit(1)
	case !runnerFound:
		log.Println("❌ FAIL: requested runner not connected")
		log.Println("   → Check the runner's RUNNER_SHARED_SECRET and broker URL")
		os.Exit(1)
	default:
		log.Println("✅ SUCCESS: broker is serving sockets and APIs")
		os.Exit(0)
	}
}
