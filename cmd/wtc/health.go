package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hackermondev/worker-threads-clusters/pkg/client"
)

var healthCmd = &cobra.Command{
	Use:   "health <node-url>",
	Short: "Probe a node and print its identity and load",
	Args:  cobra.ExactArgs(1),
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	node, err := client.NewNodeClient(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	info, err := node.Info(ctx)
	if err != nil {
		return err
	}
	sample, err := node.Health(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Name:     %s\n", info.Name)
	fmt.Printf("Version:  %s\n", info.NodeVersion)
	fmt.Printf("Workers:  %d\n", sample.WorkersRunning)
	fmt.Printf("CPU:      %.2f (mean of %d cores)\n", sample.MeanUsage(), len(sample.CPUUsage))
	return nil
}
