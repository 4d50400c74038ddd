package main

import (
	"context"
	"log"
	"os"

	"github.com/rawblock/descriptor-discovery/internal/api"
	"github.com/rawblock/descriptor-discovery/internal/db"
	"github.com/rawblock/descriptor-discovery/internal/discovery"
	"github.com/rawblock/descriptor-discovery/internal/explorer"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

func main() {
	log.Println("Starting Descriptor Discovery Engine...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values.
	// ────────────────────────────────────────────────────────────────────

	network := models.NetworkID(getEnvOrDefault("NETWORK", string(models.NetworkBitcoin)))
	if !network.Valid() {
		log.Fatalf("FATAL: Unknown NETWORK %q (want BITCOIN, TESTNET, REGTEST or SIGNET)", network)
	}

	exp, err := buildExplorer(network)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if err := exp.Connect(context.Background()); err != nil {
		log.Printf("Warning: explorer connect failed: %v (explorer requests will fail until the engine is restarted)", err)
	}
	defer exp.Close()

	var snapshots *db.SnapshotStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		snapshots, err = db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without snapshot persistence. Error: %v", err)
			snapshots = nil
		} else {
			defer snapshots.Close()
			if err := snapshots.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	service, err := discovery.New(exp, network, discovery.Options{
		OnEvent: api.BroadcastDiscoveryEvent(wsHub),
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// Setup the Gin Router
	r := api.SetupRouter(service, snapshots, wsHub)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (network %s)\n", port, network)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildExplorer picks the explorer backend from the environment:
// ESPLORA_URL, ELECTRUM_ADDR or BTC_RPC_HOST (first match wins).
func buildExplorer(network models.NetworkID) (explorer.Explorer, error) {
	if url := os.Getenv("ESPLORA_URL"); url != "" {
		log.Printf("Using esplora explorer at %s", url)
		return explorer.NewEsplora(explorer.EsploraConfig{BaseURL: url}), nil
	}
	if addr := os.Getenv("ELECTRUM_ADDR"); addr != "" {
		log.Printf("Using electrum explorer at %s", addr)
		return explorer.NewElectrum(explorer.ElectrumConfig{Addr: addr}), nil
	}
	host := getEnvOrDefault("BTC_RPC_HOST", "localhost:8332")
	user := requireEnv("BTC_RPC_USER")
	pass := requireEnv("BTC_RPC_PASS")
	log.Printf("Using bitcoind explorer at %s", host)
	return explorer.NewBitcoind(explorer.BitcoindConfig{
		Host:    host,
		User:    user,
		Pass:    pass,
		Network: network,
	})
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set.", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
