// Package config loads and validates the peer configuration for the DSM
// cluster: the shared memory geometry (process count, block count, block
// size), this peer's rank, and the rank-indexed peer addresses.
//
// # Overview
//
// Every peer in the cluster must run with an identical geometry; only the
// rank differs per process. Configuration can come from three sources:
//
//   - A key-value file: one "key value" pair per line, with '#' comments.
//     Recognized keys: processes|n, blocks|k, block_size|t, process_id|pid,
//     and peers (a comma-separated address list).
//   - A YAML file (.yaml or .yml extension), with the same fields.
//   - Command-line flags: -n, -k, -t, -p, -peers, with the same defaults
//     the historical tooling used (n=4, k=1000, t=4096, p=0).
//
// # Validation
//
// A configuration is usable only when:
//
//   - Processes, Blocks, and BlockSize are all positive
//   - 0 <= ProcessID < Processes
//   - Peers, when set, has exactly one unique address per rank
//
// Validation failures surface as ErrInvalidConfig so callers can map them
// onto their own error vocabulary.
//
// # Example
//
//	cfg, err := config.LoadFile("cluster.conf")
//	if err != nil {
//	    log.Fatalf("config: %v", err)
//	}
//	log.Print(cfg.String())
package config
