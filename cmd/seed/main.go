package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gustycube/chainlens/internal/knowledge"
	"github.com/gustycube/chainlens/internal/snapshot"
)

func main() {
	var file string
	var addr string
	var key string
	var networkName string
	flag.StringVar(&file, "knowledge", "", "path to a known_accounts.json document")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", snapshot.DefaultKey, "redis snapshot key")
	flag.StringVar(&networkName, "network", "mainnet", "network the document belongs to")
	flag.Parse()
	if file == "" {
		fmt.Fprintln(os.Stderr, "missing -knowledge")
		os.Exit(1)
	}

	snap, skipped, err := readSnapshot(file, networkName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	r, err := snapshot.NewRedis(addr, key, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Save(ctx, snap); err != nil {
		fmt.Fprintln(os.Stderr, "save:", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %s with %d records for %s (%d entries skipped)\n", key, len(snap.Records), networkName, skipped)
}

// readSnapshot parses the document the same way a refresh does. LoadedAt is
// the file's modification time so a seeded table ages like a fetched one.
func readSnapshot(path, networkName string) (knowledge.Snapshot, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return knowledge.Snapshot{}, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return knowledge.Snapshot{}, 0, err
	}
	var data interface{}
	if err := json.Unmarshal(b, &data); err != nil {
		return knowledge.Snapshot{}, 0, fmt.Errorf("%s: %w", path, err)
	}
	table, skipped, err := knowledge.ParseDocument(data)
	if err != nil {
		return knowledge.Snapshot{}, 0, fmt.Errorf("%s: %w", path, err)
	}
	snap := knowledge.Snapshot{Records: table, Network: networkName, LoadedAt: info.ModTime().UTC()}
	return snap, skipped, nil
}
