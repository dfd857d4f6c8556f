// Package main implements the DSM peer process: one rank of the
// distributed shared memory cluster, serving its owned blocks to the other
// peers and exposing the shared address space locally.
//
// The peer is responsible for:
//   - Assembling the TCP mesh to the other ranks
//   - Serving READ_REQ/WRITE_REQ/INVALIDATE traffic for its owned blocks
//   - Running the demo driver and interactive console on rank 0
//   - Flushing the cache and tearing the mesh down on shutdown
//
// Configuration:
//
// A single positional argument names a configuration file (key-value or
// YAML). Without one, flags apply, with environment fallbacks for their
// defaults:
//
//	-n      number of processes   (PEER_PROCESSES)
//	-k      number of blocks      (PEER_BLOCKS)
//	-t      block size in bytes   (PEER_BLOCK_SIZE)
//	-p      process id            (PEER_ID)
//	-peers  comma-separated rank-indexed addresses (PEER_ADDRS)
//
// Example usage:
//
//	# Four peers on one host
//	peer -n 4 -k 1000 -t 4096 -p 0 &
//	peer -n 4 -k 1000 -t 4096 -p 1 &
//	peer -n 4 -k 1000 -t 4096 -p 2 &
//	peer -n 4 -k 1000 -t 4096 -p 3
//
//	# Or from a file
//	peer cluster.conf
//
// Rank 0 runs a short self-demonstration, then an interactive console:
//
//	dms> write 0 hello
//	dms> read 0 5
//	dms> quit
//
// Exit status is 0 on clean shutdown and non-zero on init or cleanup
// failure.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dreamware/dsm"
	"github.com/dreamware/dsm/cluster"
	"github.com/dreamware/dsm/config"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

// defaultBasePort anchors the derived loopback peer list when no -peers
// flag or peers key is given: rank r listens on 127.0.0.1:(9700+r).
const defaultBasePort = 9700

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		logFatal("peer: %v", err)
	}
}

// run is the testable body of main: it loads configuration, brings the
// mesh and the DSM handle up, drives the rank-appropriate workload, and
// shuts down cleanly.
func run(args []string, stdin *os.File) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	fmt.Print(cfg.String())

	mesh, err := cluster.NewMesh(cfg.ProcessID, cfg.Peers, cfg.StartupTimeout)
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}

	d, err := dsm.Open(cfg, mesh)
	if err != nil {
		mesh.Close()
		return fmt.Errorf("init: %w", err)
	}

	// Interrupts end the serve loop and the console.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if cfg.ProcessID == 0 {
		runDemo(d, cfg)
		runConsole(d, stdin, stop)
	} else {
		log.Printf("peer: rank %d ready, serving requests", cfg.ProcessID)
		<-stop
	}

	log.Printf("peer: rank %d shutting down", cfg.ProcessID)
	if err := d.Close(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

// loadConfig resolves the configuration per the historical precedence: a
// readable positional file argument wins, otherwise flags with environment
// fallbacks.
func loadConfig(args []string) (config.Config, error) {
	if len(args) == 1 && !strings.HasPrefix(args[0], "-") {
		if _, err := os.Stat(args[0]); err == nil {
			cfg, err := config.LoadFile(args[0])
			if err != nil {
				return config.Config{}, err
			}
			cfg.DefaultPeers("127.0.0.1", defaultBasePort)
			return cfg, cfg.Validate()
		}
	}

	cfg := config.Default()
	cfg.Processes = envInt("PEER_PROCESSES", cfg.Processes)
	cfg.Blocks = envInt("PEER_BLOCKS", cfg.Blocks)
	cfg.BlockSize = envInt("PEER_BLOCK_SIZE", cfg.BlockSize)
	cfg.ProcessID = envInt("PEER_ID", cfg.ProcessID)
	if addrs := envStr("PEER_ADDRS", ""); addrs != "" {
		cfg.Peers = strings.Split(addrs, ",")
	}

	fs := flag.NewFlagSet("peer", flag.ContinueOnError)
	binding := config.RegisterFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	binding.Apply()
	cfg.DefaultPeers("127.0.0.1", defaultBasePort)

	return cfg, cfg.Validate()
}

// envStr returns the environment value for k, or def when unset or empty.
func envStr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envInt returns the integer environment value for k, or def when unset or
// unparsable.
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// runDemo exercises the address space from rank 0: a purely local
// round trip, a write spanning a block boundary, and a repeated remote
// read that should be served from cache the second time.
func runDemo(d *dsm.DSM, cfg config.Config) {
	fmt.Println("\n=== basic operations ===")
	payload := []byte("ALO MUNDO")
	if err := d.Write(0, payload); err != nil {
		fmt.Printf("write: %v\n", err)
		return
	}
	buf := make([]byte, len(payload))
	if err := d.Read(0, buf); err != nil {
		fmt.Printf("read: %v\n", err)
		return
	}
	fmt.Printf("read back: %q\n", buf)

	fmt.Println("\n=== cross-block operations ===")
	long := []byte("spans the boundary between two blocks, exercising the per-block slicing")
	crossPos := cfg.BlockSize - 20
	if crossPos < 0 || crossPos+len(long) > cfg.TotalBytes() {
		fmt.Println("address space too small for the cross-block demo, skipping")
	} else {
		if err := d.Write(crossPos, long); err != nil {
			fmt.Printf("cross-block write: %v\n", err)
			return
		}
		buf = make([]byte, len(long))
		if err := d.Read(crossPos, buf); err != nil {
			fmt.Printf("cross-block read: %v\n", err)
			return
		}
		fmt.Printf("read back %d bytes across the boundary\n", len(buf))
	}

	fmt.Println("\n=== cache behavior ===")
	// Block 1 is remote whenever there is more than one peer.
	if cfg.Processes > 1 && cfg.Blocks > 1 {
		remotePos := cfg.BlockSize
		first := make([]byte, 8)
		second := make([]byte, 8)
		if err := d.Read(remotePos, first); err != nil {
			fmt.Printf("first remote read: %v\n", err)
			return
		}
		if err := d.Read(remotePos, second); err != nil {
			fmt.Printf("second remote read: %v\n", err)
			return
		}
		stats := d.CacheStats()
		fmt.Printf("two remote reads: %d cache hit(s), %d miss(es)\n", stats.Hits, stats.Misses)
	} else {
		fmt.Println("single peer, no remote blocks to exercise")
	}
}

// runConsole is the interactive harness: read <pos> <size>, write <pos>
// <data>, quit.
func runConsole(d *dsm.DSM, stdin *os.File, stop chan os.Signal) {
	fmt.Println("\ncommands: read <pos> <size>, write <pos> <data>, quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("dms> ")
		var line string
		var open bool
		select {
		case <-stop:
			fmt.Println()
			return
		case line, open = <-lines:
			if !open {
				return
			}
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return

		case "read":
			if len(fields) != 3 {
				fmt.Println("usage: read <pos> <size>")
				continue
			}
			pos, err1 := strconv.Atoi(fields[1])
			size, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil || size <= 0 {
				fmt.Println("usage: read <pos> <size>")
				continue
			}
			buf := make([]byte, size)
			if err := d.Read(pos, buf); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("data: %s\n", printable(buf))

		case "write":
			if len(fields) < 3 {
				fmt.Println("usage: write <pos> <data>")
				continue
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("usage: write <pos> <data>")
				continue
			}
			data := strings.Join(fields[2:], " ")
			if err := d.Write(pos, []byte(data)); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("wrote %d bytes at position %d\n", len(data), pos)

		default:
			fmt.Println("commands: read <pos> <size>, write <pos> <data>, quit")
		}
	}
}

// printable renders bytes for the console, escaping non-printables as \xNN.
func printable(buf []byte) string {
	var b strings.Builder
	for _, c := range buf {
		if c >= 32 && c <= 126 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\x%02x", c)
		}
	}
	return b.String()
}
