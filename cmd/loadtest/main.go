// Package main is a load test for the channel server. It connects N
// reconciliation engines, has each publish messages at a fixed interval,
// and at the end checks that every engine converged to the same log.
//
// Usage:
//
//	loadtest -url http://localhost:8080 -clients 200 -duration 30s
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/studentcorner/corner-chat/internal/chat"
	"github.com/studentcorner/corner-chat/internal/client"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "Server HTTP base URL")
	clients := flag.Int("clients", 100, "Number of simulated participants")
	rampUp := flag.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	duration := flag.Duration("duration", 30*time.Second, "How long each participant publishes")
	msgInterval := flag.Duration("msg-interval", 2*time.Second, "Interval between messages per participant")
	settle := flag.Duration("settle", 3*time.Second, "Wait after publishing stops before checking convergence")
	flag.Parse()

	fmt.Printf("Load test: %d clients to %s (ramp=%s, duration=%s, interval=%s)\n",
		*clients, *url, *rampUp, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -----------------------------------------------------------------------
	// Phase 1 — connect everyone
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect ---")

	interval := *rampUp / time.Duration(*clients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	engines := make([]*client.Client, 0, *clients)
	var connectErrs int

	for i := 0; i < *clients; i++ {
		if ctx.Err() != nil {
			fmt.Println("\nInterrupted during connection phase.")
			break
		}

		eng, err := client.New(client.Config{
			BaseURL: *url,
			Identity: chat.Participant{
				Username:  fmt.Sprintf("load_%04d", i),
				FirstName: "Load",
				LastName:  fmt.Sprintf("Tester %d", i),
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "client %d: %v\n", i, err)
			os.Exit(1)
		}

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = eng.Open(connectCtx)
		cancel()
		if err != nil {
			connectErrs++
			fmt.Fprintf(os.Stderr, "  connect %d failed: %v\n", i, err)
		} else {
			engines = append(engines, eng)
		}

		time.Sleep(interval)
	}

	fmt.Printf("  connected: %d  errors: %d\n", len(engines), connectErrs)
	if len(engines) == 0 {
		fmt.Println("No connections established, aborting.")
		os.Exit(1)
	}

	// -----------------------------------------------------------------------
	// Phase 2 — publish at a steady rate
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Publish ---")

	var sent, sendErrs int64
	publishCtx, cancelPublish := context.WithTimeout(ctx, *duration)
	defer cancelPublish()

	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func(i int, eng *client.Client) {
			defer wg.Done()

			// Desynchronize senders so the server sees a steady stream
			// rather than lockstep bursts.
			jitter := time.Duration(rand.Int63n(int64(*msgInterval)))
			select {
			case <-publishCtx.Done():
				return
			case <-time.After(jitter):
			}

			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			seq := 0
			for {
				select {
				case <-publishCtx.Done():
					return
				case <-ticker.C:
					seq++
					err := eng.SendMessage(fmt.Sprintf("load client=%d seq=%d", i, seq))
					if err != nil {
						atomic.AddInt64(&sendErrs, 1)
					} else {
						atomic.AddInt64(&sent, 1)
					}
				}
			}
		}(i, eng)
	}

	progressTicker := time.NewTicker(5 * time.Second)
	go func() {
		for range progressTicker.C {
			fmt.Printf("  [publish] sent: %d  errors: %d\n",
				atomic.LoadInt64(&sent), atomic.LoadInt64(&sendErrs))
		}
	}()

	wg.Wait()
	progressTicker.Stop()
	fmt.Printf("  done. sent: %d  errors: %d\n", sent, sendErrs)

	// -----------------------------------------------------------------------
	// Phase 3 — convergence check
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Convergence ---")
	time.Sleep(*settle)

	counts := make(map[int]int)
	for _, eng := range engines {
		counts[len(eng.Messages())]++
	}

	fmt.Printf("  distinct log sizes across %d clients: %d\n", len(engines), len(counts))
	for size, n := range counts {
		fmt.Printf("    %d messages: %d clients\n", size, n)
	}
	if len(counts) == 1 {
		fmt.Println("  PASS: all clients converged")
	} else {
		fmt.Println("  WARN: clients diverged (slow consumers may have been dropped)")
	}

	for _, eng := range engines {
		eng.Close()
	}
}
