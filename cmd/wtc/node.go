package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hackermondev/worker-threads-clusters/pkg/host"
	"github.com/hackermondev/worker-threads-clusters/pkg/node"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the node server role",
	Long: `Run a node: host the bundle cache, create workers, and serve the
event and control streams.

Examples:
  # Serve with flags
  wtc node --listen :8193 --username u --password p

  # Serve from a config file
  wtc node -f node.yaml`,
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().StringP("file", "f", "", "YAML node configuration file")
	nodeCmd.Flags().String("listen", ":8193", "Listen address")
	nodeCmd.Flags().String("name", "", "Node name (defaults to hostname)")
	nodeCmd.Flags().String("username", "", "Basic-auth username")
	nodeCmd.Flags().String("password", "", "Basic-auth password")
	nodeCmd.Flags().String("bundle-dir", "", "Bundle scratch directory (defaults to a temp dir)")
	nodeCmd.Flags().StringSlice("host-command", []string{"node"}, "Interpreter argv for bundle execution")
}

// NodeConfig is the YAML file form of the node configuration.
type NodeConfig struct {
	Listen         string   `yaml:"listen"`
	Name           string   `yaml:"name,omitempty"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	BundleDir      string   `yaml:"bundleDir,omitempty"`
	CacheThreshold int      `yaml:"cacheThreshold,omitempty"`
	HostCommand    []string `yaml:"hostCommand,omitempty"`
}

func loadNodeConfig(cmd *cobra.Command) (*NodeConfig, error) {
	cfg := &NodeConfig{}
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}
	if v, _ := cmd.Flags().GetString("listen"); cfg.Listen == "" || cmd.Flags().Changed("listen") {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.Name = v
	}
	if v, _ := cmd.Flags().GetString("username"); v != "" {
		cfg.Username = v
	}
	if v, _ := cmd.Flags().GetString("password"); v != "" {
		cfg.Password = v
	}
	if v, _ := cmd.Flags().GetString("bundle-dir"); v != "" {
		cfg.BundleDir = v
	}
	if v, _ := cmd.Flags().GetStringSlice("host-command"); cmd.Flags().Changed("host-command") || len(cfg.HostCommand) == 0 {
		cfg.HostCommand = v
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if cfg.BundleDir == "" {
		cfg.BundleDir = filepath.Join(os.TempDir(), "wtc-bundles")
	}
	return cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadNodeConfig(cmd)
	if err != nil {
		return err
	}

	srv, err := node.NewServer(node.Config{
		Name:           cfg.Name,
		Credentials:    types.Credentials{Username: cfg.Username, Password: cfg.Password},
		BundleDir:      cfg.BundleDir,
		CacheThreshold: cfg.CacheThreshold,
	}, &host.ExecHost{Command: cfg.HostCommand})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx, cfg.Listen)
}
