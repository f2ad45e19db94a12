// Agent-sim is a simulated A2A worker for local runs and E2E testing. It
// listens on one port, echoes request payloads back as a short chunk stream,
// and reports token usage, with configurable latency and failure injection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/tokens"
	"conductor/pkg/transport"
)

func main() {
	agentID := flag.String("id", "sim-agent", "Agent ID to answer as")
	listen := flag.String("listen", "localhost:9401", "Address to listen on")
	latency := flag.Duration("latency", 50*time.Millisecond, "Simulated processing delay per request")
	failRate := flag.Float64("fail-rate", 0, "Fraction of requests to fail (0..1)")
	chunks := flag.Int("chunks", 3, "Number of CHUNK frames to stream before the response")
	flag.Parse()

	if err := run(*agentID, *listen, *latency, *failRate, *chunks); err != nil {
		log.Fatal(err)
	}
}

func run(agentID, listen string, latency time.Duration, failRate float64, chunks int) error {
	logger := logx.NewLogger("agent-sim")

	estimator, err := tokens.NewEstimator()
	if err != nil {
		logger.Warn("tokenizer unavailable: %v", err)
	}

	handler := func(ctx context.Context, req *proto.Frame, r transport.Responder) (map[string]any, error) {
		content := req.PayloadString(proto.KeyContent)

		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if failRate > 0 && rand.Float64() < failRate {
			return nil, fmt.Errorf("injected failure")
		}

		reply := fmt.Sprintf("%s: %s", agentID, content)
		for i := 0; i < chunks; i++ {
			part := slice(reply, i, chunks)
			if err := r.Chunk(part); err != nil {
				return nil, err
			}
		}

		var units int64
		if estimator != nil {
			units = estimator.Estimate(content) + estimator.Estimate(reply)
		} else {
			units = int64(len(content)+len(reply)) / 4
		}
		return map[string]any{
			proto.KeyContent:   reply,
			proto.KeyUnitsUsed: units,
		}, nil
	}

	server := transport.NewServer(agentID, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx, listen); err != nil {
		return err
	}
	logger.Info("agent %s listening on %s (latency=%s fail-rate=%.2f)", agentID, server.Addr(), latency, failRate)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)
	server.Stop()
	return nil
}

// slice returns the i-th of n roughly equal pieces of s.
func slice(s string, i, n int) string {
	if n <= 1 {
		return s
	}
	runes := []rune(s)
	per := (len(runes) + n - 1) / n
	start := i * per
	if start >= len(runes) {
		return ""
	}
	end := start + per
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}
