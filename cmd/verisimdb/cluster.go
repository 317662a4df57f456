package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage a VeriSimDB cluster",
}

var clusterBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap a new cluster with this node as the first voter",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		a, err := openApp(nodeID, bindAddr, dataDir)
		if err != nil {
			return fmt.Errorf("open app: %w", err)
		}
		if err := a.manager.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		a.scheduler.Start()

		fmt.Printf("bootstrapped cluster, node %s listening for raft on %s\n", nodeID, bindAddr)

		workerToken, err := a.manager.GenerateJoinToken("observer")
		if err != nil {
			return fmt.Errorf("generate observer token: %w", err)
		}
		managerToken, err := a.manager.GenerateJoinToken("voter")
		if err != nil {
			return fmt.Errorf("generate voter token: %w", err)
		}
		fmt.Printf("observer join token: %s\n", workerToken.Token)
		fmt.Printf("voter join token:    %s\n", managerToken.Token)

		waitForInterrupt(a)
		return nil
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing cluster; the leader adds this node as a voter",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		a, err := openApp(nodeID, bindAddr, dataDir)
		if err != nil {
			return fmt.Errorf("open app: %w", err)
		}
		if err := a.manager.Join(); err != nil {
			return fmt.Errorf("join: %w", err)
		}
		a.scheduler.Start()

		fmt.Printf("node %s joined, listening for raft on %s\n", nodeID, bindAddr)
		waitForInterrupt(a)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{clusterBootstrapCmd, clusterJoinCmd} {
		c.Flags().String("node-id", "", "unique Raft server ID for this node")
		c.Flags().String("bind-addr", "127.0.0.1:7300", "Raft transport bind address")
		c.Flags().String("data-dir", "./data", "directory for bbolt stores and the Raft log")
		c.MarkFlagRequired("node-id")
	}
	clusterCmd.AddCommand(clusterBootstrapCmd, clusterJoinCmd)
}
