package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hackermondev/worker-threads-clusters/pkg/client"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run <entrypoint>",
	Short: "Spawn an entrypoint on the fleet and stream its output",
	Long: `Spawn an entrypoint on a node picked by the placement policy, wire its
standard streams to this terminal, and exit with the worker's exit code.

Examples:
  wtc run --node http://u:p@host:8193 task.js
  wtc run --node http://u:p@n1:8193 --node http://u:p@n2:8193 --policy balancing task.js`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSlice("node", nil, "Node URL with credentials (repeatable)")
	runCmd.Flags().String("policy", string(client.PolicyRandom), "Placement policy (random, incremental, balancing)")
	runCmd.Flags().Bool("stdin", false, "Forward this terminal's stdin to the worker")
	runCmd.Flags().StringToString("env", nil, "Environment variables for the worker")
	runCmd.Flags().String("worker-data", "", "JSON worker data passed to the child")
	_ = runCmd.MarkFlagRequired("node")
}

func runRun(cmd *cobra.Command, args []string) error {
	nodeURLs, _ := cmd.Flags().GetStringSlice("node")
	policy, _ := cmd.Flags().GetString("policy")
	stdin, _ := cmd.Flags().GetBool("stdin")
	env, _ := cmd.Flags().GetStringToString("env")
	workerData, _ := cmd.Flags().GetString("worker-data")

	c := client.New(client.Config{Policy: client.Policy(policy)})
	defer c.Close()
	for _, u := range nodeURLs {
		if err := c.AddNode(u); err != nil {
			return err
		}
	}

	opts := &types.SpawnOptions{Stdin: stdin, Env: env}
	if workerData != "" {
		if !json.Valid([]byte(workerData)) {
			return fmt.Errorf("--worker-data must be valid JSON")
		}
		opts.WorkerData = json.RawMessage(workerData)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := c.Spawn(ctx, args[0], opts)
	if err != nil {
		return err
	}

	go io.Copy(os.Stdout, handle.Stdout())
	go io.Copy(os.Stderr, handle.Stderr())
	if stdin {
		go io.Copy(handle.Stdin(), os.Stdin)
	}

	// On interrupt, ask the worker to stop before giving up.
	go func() {
		<-ctx.Done()
		_ = handle.Terminate(context.Background())
	}()

	code, err := handle.Wait(context.Background())
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
