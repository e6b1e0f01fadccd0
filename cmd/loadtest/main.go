// Command loadtest is a connection ramp/sustain/report generator for
// the WebSocket gateway, adapted from the teacher's loadtest/main.go
// sustained-load client: ramp connections at a target rate, hold them
// open while optionally publishing, and print periodic metrics.
// Rewritten onto gobwas/ws (this repo's transport) instead of the
// teacher's gorilla/websocket, matching cmd/gateway's own stack.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

type config struct {
	wsURL              string
	healthURL          string
	targetConnections  int
	rampRate           int
	sustainDurationSec int
	reportIntervalSec  int
	token              string
	channels           []string
	publishEverySec    int
}

type state struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	messagesReceived  int64
	publishesSent     int64
	startTime         time.Time
}

var (
	cfg *config
	st  *state
)

func main() {
	cfg = parseFlags()
	st = &state{startTime: time.Now()}

	log.Printf("loadtest: target=%d ramp=%d/s duration=%ds url=%s", cfg.targetConnections, cfg.rampRate, cfg.sustainDurationSec, cfg.wsURL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go periodicReports(ctx)

	rampUp(ctx)

	select {
	case <-time.After(time.Duration(cfg.sustainDurationSec) * time.Second):
	case <-ctx.Done():
	}

	printReport()
}

func parseFlags() *config {
	c := &config{}
	flag.StringVar(&c.wsURL, "url", getEnv("WS_URL", "ws://localhost:8080/ws/v1"), "gateway WebSocket URL")
	flag.StringVar(&c.healthURL, "health", getEnv("HEALTH_URL", "http://localhost:8080/healthz"), "gateway health URL")
	flag.IntVar(&c.targetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 500), "target concurrent connections")
	flag.IntVar(&c.rampRate, "ramp-rate", getEnvInt("RAMP_RATE", 50), "connections per second during ramp-up")
	flag.IntVar(&c.sustainDurationSec, "duration", getEnvInt("DURATION", 120), "sustain duration in seconds")
	flag.IntVar(&c.reportIntervalSec, "report-interval", 10, "report interval in seconds")
	flag.StringVar(&c.token, "token", getEnv("LOADTEST_TOKEN", ""), "bearer token appended as ?token=")
	flag.IntVar(&c.publishEverySec, "publish-every", getEnvInt("PUBLISH_EVERY_SEC", 0), "publish a message every N seconds per connection, 0 disables")
	channelsStr := flag.String("channels", getEnv("CHANNELS", ""), "comma-separated channel UUIDs to subscribe to")
	flag.Parse()

	if *channelsStr != "" {
		for _, ch := range strings.Split(*channelsStr, ",") {
			c.channels = append(c.channels, strings.TrimSpace(ch))
		}
	}
	return c
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func rampUp(ctx context.Context) {
	batchInterval := 100 * time.Millisecond
	batchSize := cfg.rampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	connID := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt64(&st.totalCreated) >= int64(cfg.targetConnections) {
				return
			}
			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&st.totalCreated) < int64(cfg.targetConnections); i++ {
				wg.Add(1)
				id := connID
				connID++
				atomic.AddInt64(&st.totalCreated, 1)
				go func(id int) {
					defer wg.Done()
					runConnection(ctx, id)
				}(id)
			}
			wg.Wait()
		}
	}
}

func runConnection(ctx context.Context, id int) {
	target := cfg.wsURL
	if cfg.token != "" {
		u, err := url.Parse(cfg.wsURL)
		if err == nil {
			q := u.Query()
			q.Set("token", cfg.token)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}

	conn, _, _, err := ws.Dial(ctx, target)
	if err != nil {
		atomic.AddInt64(&st.failedConnections, 1)
		return
	}
	defer conn.Close()

	atomic.AddInt64(&st.activeConnections, 1)
	defer atomic.AddInt64(&st.activeConnections, -1)

	if len(cfg.channels) > 0 {
		subscribe(conn, cfg.channels)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			data, _, err := wsutil.ReadServerData(conn)
			if err != nil {
				return
			}
			atomic.AddInt64(&st.messagesReceived, 1)
			_ = data
		}
	}()

	var publishTicker *time.Ticker
	var publishC <-chan time.Time
	if cfg.publishEverySec > 0 && len(cfg.channels) > 0 {
		publishTicker = time.NewTicker(time.Duration(cfg.publishEverySec) * time.Second)
		defer publishTicker.Stop()
		publishC = publishTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-publishC:
			publish(conn, id, cfg.channels[id%len(cfg.channels)])
		}
	}
}

func subscribe(conn net.Conn, channels []string) {
	frame := map[string]any{"type": "subscribe", "data": map[string]any{"channelIds": channels}}
	payload, _ := json.Marshal(frame)
	_ = wsutil.WriteClientMessage(conn, ws.OpText, payload)
}

func publish(conn net.Conn, connID int, channelID string) {
	frame := map[string]any{
		"type": "publish",
		"data": map[string]any{
			"channelId":   channelID,
			"content":     fmt.Sprintf("loadtest message from connection %d", connID),
			"type":        "text",
			"clientMsgId": uuid.NewString(),
		},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err == nil {
		atomic.AddInt64(&st.publishesSent, 1)
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.reportIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := time.Since(st.startTime).Round(time.Second)
	log.Printf("[%s] active=%d created=%d failed=%d received=%d published=%d",
		elapsed,
		atomic.LoadInt64(&st.activeConnections),
		atomic.LoadInt64(&st.totalCreated),
		atomic.LoadInt64(&st.failedConnections),
		atomic.LoadInt64(&st.messagesReceived),
		atomic.LoadInt64(&st.publishesSent),
	)
}
