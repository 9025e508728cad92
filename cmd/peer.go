package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"courier/internal/cli"
	"courier/internal/config"
)

var (
	peerType         string
	peerTransport    string
	peerCapabilities []string
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage the components the hub dials at startup",
}

var peerAddCmd = &cobra.Command{
	Use:   "add <id> <address>",
	Short: "Add a configured peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm := cli.NewConfigManager(configPath)
		peer := config.PeerConfig{
			ID:           args[0],
			Type:         peerType,
			Transport:    peerTransport,
			Address:      args[1],
			Capabilities: peerCapabilities,
		}
		if err := cm.AddPeer(peer); err != nil {
			return err
		}
		cmd.Printf("Peer %s added to %s\n", peer.ID, cm.GetConfigPath())
		return nil
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a configured peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm := cli.NewConfigManager(configPath)
		if err := cm.RemovePeer(args[0]); err != nil {
			return err
		}
		cmd.Printf("Peer %s removed\n", args[0])
		return nil
	},
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, err := cli.NewConfigManager(configPath).ListPeers()
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			cmd.Println("No peers configured")
			return nil
		}
		for _, peer := range peers {
			caps := "*"
			if len(peer.Capabilities) > 0 {
				caps = strings.Join(peer.Capabilities, ",")
			}
			fmt.Printf("%-20s %-10s %-10s %-40s %s\n", peer.ID, peer.Type, peer.Transport, peer.Address, caps)
		}
		return nil
	},
}

func init() {
	peerCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "courier.yml", "Path to hub configuration file")
	peerAddCmd.Flags().StringVar(&peerType, "type", "content", "Component type")
	peerAddCmd.Flags().StringVar(&peerTransport, "transport", "websocket", "Transport used to dial the peer (memory, websocket, zmq)")
	peerAddCmd.Flags().StringSliceVar(&peerCapabilities, "capabilities", nil, "Message types the peer accepts (default all)")

	peerCmd.AddCommand(peerAddCmd)
	peerCmd.AddCommand(peerRemoveCmd)
	peerCmd.AddCommand(peerListCmd)
}
