package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"heyochat/internal/api"
	"heyochat/internal/client"
	"heyochat/internal/config"
	"heyochat/internal/devserver"
	"heyochat/internal/logging"
)

const echoPrefix = "lt:"

// simulateUser sends to the seeded partner at a fixed rate and measures how
// long each message takes to come back as an echo on the sender's own
// conversation view.
func simulateUser(ctx context.Context, session *client.Session, partnerID int64, rate int, stats *Stats, logger *zap.Logger) {
	self := session.Identity().UserID
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := make(map[int64]bool)
		for snap := range session.View().Watch(watchCtx) {
			for _, m := range snap.Messages {
				if m.SenderID != self || seen[m.ID] || !strings.HasPrefix(m.Content, echoPrefix) {
					continue
				}
				seen[m.ID] = true
				sentAt, err := strconv.ParseInt(strings.TrimPrefix(m.Content, echoPrefix), 10, 64)
				if err != nil {
					continue
				}
				stats.recordSuccess(time.Since(time.Unix(0, sentAt)), EchoOperation)
			}
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Give in-flight echoes a moment to land.
			time.Sleep(500 * time.Millisecond)
			cancel()
			wg.Wait()
			return
		case <-ticker.C:
			start := time.Now()
			content := echoPrefix + strconv.FormatInt(start.UnixNano(), 10)
			if err := <-session.SendTo(partnerID, content); err != nil {
				stats.recordError()
				logger.Debug("Send failed", zap.Error(err))
				continue
			}
			stats.recordSuccess(time.Since(start), SendOperation)
		}
	}
}

func main() {
	numUsers := flag.Int("users", 100, "Number of seeded users to drive (even)")
	rate := flag.Int("rate", 1, "Messages per second per user")
	duration := flag.Duration("duration", time.Minute, "Simulation time")
	password := flag.String("password", "password", "Password of the seeded users")
	flag.Parse()
	if *rate < 1 {
		*rate = 1
	}

	cfg := config.LoadOrDefault()
	logger := logging.NewDefault()
	defer logger.Sync()

	logger.Info("Starting load test",
		zap.Int("users", *numUsers),
		zap.Int("rate", *rate),
		zap.Duration("duration", *duration))
	logger.Info("Start the devserver with seeded users first: go run ./cmd/devserver -loadtest -seed " + strconv.Itoa(*numUsers))

	ctx := context.Background()
	authClient := api.NewClient(api.Options{BaseURL: cfg.APIURL(), RetryMax: cfg.HTTP.RetryMax}, logger.Logger, nil)

	sessions := make([]*client.Session, *numUsers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	startTime := time.Now()

	for i := 0; i < *numUsers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := authClient.Login(ctx, devserver.SeedUsername(i), *password)
			if err == nil {
				var s *client.Session
				if s, err = client.New(cfg, zap.NewNop()); err == nil {
					if err = s.Start(ctx, resp.Token); err == nil {
						sessions[i] = s
					}
				}
			}
			if err != nil {
				mu.Lock()
				failures++
				if failures <= 10 {
					logger.Warn("Session failed", zap.Int("user", i), zap.Error(err))
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	logger.Info("Sessions started",
		zap.Int("ok", *numUsers-failures),
		zap.Int("failed", failures),
		zap.Duration("elapsed", time.Since(startTime)))

	if failures > *numUsers/2 {
		logger.Fatal("Too many session failures, aborting load test")
	}

	stats := &Stats{}
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()
	start := time.Now()

	var loadWg sync.WaitGroup
	for i := 0; i+1 < len(sessions); i += 2 {
		a, b := sessions[i], sessions[i+1]
		if a == nil || b == nil {
			continue
		}
		loadWg.Add(2)
		go func() {
			defer loadWg.Done()
			simulateUser(runCtx, a, b.Identity().UserID, *rate, stats, logger.Logger)
		}()
		go func() {
			defer loadWg.Done()
			simulateUser(runCtx, b, a.Identity().UserID, *rate, stats, logger.Logger)
		}()
	}
	loadWg.Wait()
	elapsed := time.Since(start)

	for _, s := range sessions {
		if s == nil {
			continue
		}
		shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
		s.Shutdown(shutdownCtx)
		done()
	}

	stats.Lock()
	total, ok, failed := stats.totalRequests, stats.successRequests, stats.failedRequests
	minLatency, maxLatency := stats.minLatency, stats.maxLatency
	stats.Unlock()

	fmt.Println("Load Test Results:")
	fmt.Printf("Messages Sent: %d\n", total)
	fmt.Printf("Echoes Received: %d\n", ok)
	fmt.Printf("Failed Sends: %d\n", failed)
	fmt.Printf("Average Echo Latency: %v\n", stats.averageEcho())
	fmt.Printf("Min Echo Latency: %v\n", minLatency)
	fmt.Printf("Max Echo Latency: %v\n", maxLatency)
	fmt.Printf("P99 Send Latency: %v\n", stats.p99Send())
	fmt.Printf("P99 Echo Latency: %v\n", stats.p99Echo())
	fmt.Printf("Messages per Second: %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Printf("Total Duration: %v\n", elapsed)
}
