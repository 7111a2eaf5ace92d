package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/fornellas/printhost/serialtcp"
	"github.com/fornellas/printhost/settings"
)

var listenAddress string
var defaultListenAddress = "127.0.0.1:9999"

func listenTcp(address string) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %s: %w", address, err)
	}
	return listener, nil
}

var BridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Start a TCP server connected to the printer serial port.",
	Long:  "Opens the printer serial port for each TCP client, and pipes communication between both. Use it with --address on another host. There's NO security implemented, this can only be used in secure networks at your own risk.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		s, err := settings.Load(settingsPath)
		if err != nil {
			return err
		}
		config, err := GetPortConfig(s)
		if err != nil {
			return err
		}

		ctx, _ := log.MustWithAttrs(
			cmd.Context(),
			"port", config.Name,
			"listen-address", listenAddress,
		)
		cmd.SetContext(ctx)

		listener, err := listenTcp(listenAddress)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, ignoreClosed(listener.Close())) }()

		mode := &serial.Mode{
			BaudRate: config.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		return serialtcp.Serve(ctx, listener, func(ctx context.Context) (serial.Port, error) {
			return config.OpenPortFn(ctx, mode)
		})
	}),
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func init() {
	AddPortFlags(BridgeCmd)
	BridgeCmd.PersistentFlags().StringVar(&listenAddress, "listen-address", defaultListenAddress, "TCP address to listen on (host:port)")

	RootCmd.AddCommand(BridgeCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		listenAddress = defaultListenAddress
	})
}
