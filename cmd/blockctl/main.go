// Command blockctl talks to a running blockraft node: it appends data, prints the chain, and exports the chain to a
// bbolt archive that it can verify offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"blockraft/internal/archive"
	"blockraft/internal/chain"
	"blockraft/internal/raft/server"
	"blockraft/internal/raft/wire"
)

const usage = `usage: blockctl <command> [flags]

commands:
  append  -server host:port -data text    append data through a node
  blocks  -server host:port               print the node's chain
  status  -http host:port                 print the node's status from its HTTP gateway
  archive -server host:port -out file     export the node's chain to a bbolt archive
  verify  -in file                        verify an archive offline
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := hclog.New(&hclog.LoggerOptions{Name: "blockctl", Level: hclog.Warn})

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "append":
		err = runAppend(args)
	case "blocks":
		err = runBlocks(args)
	case "status":
		err = runStatus(args)
	case "archive":
		err = runArchive(args)
	case "verify":
		err = runVerify(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// dial connects to a node the way peers do, minus the resolver: the address is given directly
func dial(addr string) (wire.ConsensusClient, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return wire.NewConsensusClient(conn), func() { _ = conn.Close() }, nil
}

func runAppend(args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	addr := fs.String("server", "localhost:50051", "Peer RPC address of the node")
	data := fs.String("data", "", "Data to append")
	timeout := fs.Duration("timeout", 10*time.Second, "Request deadline")
	_ = fs.Parse(args)

	client, closeConn, err := dial(*addr)
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := client.ClientAppend(ctx, &wire.ClientAppendRequest{Data: []byte(*data)})
	if err != nil {
		return err
	}
	if resp.Status == server.StatusNoLeader {
		return fmt.Errorf("%w: %s has not heard from a leader, try again after the election", server.ErrNoLeader, *addr)
	}
	fmt.Printf("%s at index %d\n", resp.Status, resp.Index)
	return nil
}

func readLog(addr string, timeout time.Duration) ([]*chain.Block, error) {
	client, closeConn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	defer closeConn()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := client.ReadLog(ctx, &wire.ReadLogRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

func runBlocks(args []string) error {
	fs := flag.NewFlagSet("blocks", flag.ExitOnError)
	addr := fs.String("server", "localhost:50051", "Peer RPC address of the node")
	timeout := fs.Duration("timeout", 10*time.Second, "Request deadline")
	_ = fs.Parse(args)

	blocks, err := readLog(*addr, *timeout)
	if err != nil {
		return err
	}
	printBlocks(blocks)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("http", "localhost:8080", "HTTP gateway address of the node")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + *addr + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var status server.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	fmt.Printf("Node:             %s (%s)\n", status.ID, status.Address)
	fmt.Printf("Role:             %s\n", status.Role)
	fmt.Printf("Term:             %d\n", status.Term)
	fmt.Printf("Leader:           %s\n", status.Leader)
	fmt.Printf("Last index:       %d\n", status.LastIndex)
	fmt.Printf("Last hash:        %s\n", status.LastHash)
	fmt.Printf("Election timeout: %s\n", status.ElectionTimeout)
	fmt.Printf("Cluster size:     %d\n", status.Peers)
	return nil
}

func runArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	addr := fs.String("server", "localhost:50051", "Peer RPC address of the node")
	out := fs.String("out", "chain.db", "Archive file")
	timeout := fs.Duration("timeout", 10*time.Second, "Request deadline")
	_ = fs.Parse(args)

	blocks, err := readLog(*addr, *timeout)
	if err != nil {
		return err
	}

	a, err := archive.Open(*out)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Store(*addr, blocks); err != nil {
		return err
	}
	info, err := a.Info()
	if err != nil {
		return err
	}
	fmt.Printf("archived %d blocks from %s into %s, tip %d (%s)\n", info.Blocks, *addr, *out, info.LastIndex,
		info.LastHash)
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	in := fs.String("in", "chain.db", "Archive file")
	_ = fs.Parse(args)

	if _, err := os.Stat(*in); err != nil {
		return err
	}
	a, err := archive.Open(*in)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.Info()
	if err != nil {
		return err
	}
	if err := a.Verify(); err != nil {
		return err
	}
	fmt.Printf("%s: %d blocks verified, exported from %s at %s\n", *in, info.Blocks, info.Source,
		info.ExportedAt.Format(time.RFC3339))
	return nil
}

func printBlocks(blocks []*chain.Block) {
	for _, b := range blocks {
		fmt.Printf("#%-4d term %-3d %-12s %s\n", b.Index, b.Term, b.ProposerID, b.Hash)
		fmt.Printf("      prev %s\n", b.PreviousHash)
		fmt.Printf("      data %q\n", b.Data)
	}
}
