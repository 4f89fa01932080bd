package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/mirador-incidents/internal/api"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

type scenario struct {
	service   string
	severity  string
	errorCode string
	message   string
	weight    int
}

var scenarios = []scenario{
	{service: "checkout-service", severity: "INFO", message: "order placed", weight: 40},
	{service: "inventory-service", severity: "WARN", message: "stock level low", weight: 10},
	{service: "payment-service", severity: "ERROR", errorCode: "PAYMENT_TIMEOUT", message: "gateway timeout after 30s", weight: 15},
	{service: "payment-service", severity: "CRITICAL", errorCode: "DB_CONN_REFUSED", message: "database connection refused", weight: 3},
	{service: "auth-service", severity: "ERROR", errorCode: "TOKEN_EXPIRED", message: "token expired for session", weight: 7},
}

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "engine gRPC address")
	rate := flag.Duration("every", 200*time.Millisecond, "delay between batches")
	batch := flag.Int("batch", 10, "events per batch")
	flag.Parse()

	logger := utils.NewLogger("info", false)
	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Error("dial engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()
	client := api.NewClient(conn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("load generator stopped", slog.Int("sent", sent))
			return
		case <-ticker.C:
		}

		events := make([]*api.LogEventInput, 0, *batch)
		for i := 0; i < *batch; i++ {
			events = append(events, randomEvent(rng))
		}
		resp, err := client.IngestBatch(ctx, &api.IngestBatchRequest{Events: events})
		if err != nil {
			logger.Warn("ingest batch failed", slog.Any("error", err))
			continue
		}
		sent += len(resp.Results)
		if sent%(*batch*50) == 0 {
			logger.Info("progress", slog.Int("sent", sent))
		}
	}
}

func randomEvent(rng *rand.Rand) *api.LogEventInput {
	total := 0
	for _, s := range scenarios {
		total += s.weight
	}
	pick := rng.Intn(total)
	chosen := scenarios[0]
	for _, s := range scenarios {
		if pick < s.weight {
			chosen = s
			break
		}
		pick -= s.weight
	}
	return &api.LogEventInput{
		ServiceName: chosen.service,
		Host:        fmt.Sprintf("%s-%d", chosen.service, rng.Intn(3)),
		Severity:    chosen.severity,
		Message:     chosen.message,
		ErrorCode:   chosen.errorCode,
		UserID:      fmt.Sprintf("user-%d", rng.Intn(500)),
		RequestID:   fmt.Sprintf("req-%08x", rng.Uint32()),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}
