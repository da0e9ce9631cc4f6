// Command meter-sim emulates a metering device for testing meterctl without
// hardware, either on a TCP port or as an SPP server through BlueZ.
//
//	meter-sim --listen :7001 --channels 1,2,3,4
//	sudo meter-sim --spp --name "Meter Sim"
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bluetooth-meter/internal/config"
	"bluetooth-meter/internal/connmgr"
	"bluetooth-meter/internal/simulator"
	"bluetooth-meter/internal/transport"
)

var (
	argListen   string
	argSPP      bool
	argName     string
	argChannels []int
	argInterval time.Duration
	argReject   bool
	argLogLevel string

	rootCmd = &cobra.Command{
		Use:          "meter-sim",
		Short:        "Simulated Bluetooth audio meter",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := config.NewLogger(config.LogConfig{Level: argLogLevel, Format: "console"})
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			dev := simulator.New(simulator.Options{
				Channels:       argChannels,
				Interval:       argInterval,
				RejectSetLevel: argReject,
			}, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if argSPP {
				return serveSPP(ctx, dev, log)
			}
			return serveTCP(ctx, dev, log)
		},
	}
)

func init() {
	rootCmd.Flags().StringVarP(&argListen, "listen", "l", "127.0.0.1:7001", "TCP listen address")
	rootCmd.Flags().BoolVar(&argSPP, "spp", false, "register an SPP server with BlueZ instead of listening on TCP")
	rootCmd.Flags().StringVar(&argName, "name", "Meter Simulator", "SPP service name")
	rootCmd.Flags().IntSliceVar(&argChannels, "channels", []int{1, 2}, "channels reported by the device")
	rootCmd.Flags().DurationVar(&argInterval, "interval", 100*time.Millisecond, "level notification interval")
	rootCmd.Flags().BoolVar(&argReject, "reject-set-level", false, "answer every SET_LEVEL with a failure")
	rootCmd.Flags().StringVar(&argLogLevel, "log-level", "info", "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveTCP(ctx context.Context, dev *simulator.Device, log *zap.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", argListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", argListen, err)
	}
	log.Info("simulator listening", zap.String("addr", ln.Addr().String()), zap.Ints("channels", argChannels))
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dev.Serve(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("client session ended", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// serveSPP handles one RFCOMM client at a time, like a real meter.
func serveSPP(ctx context.Context, dev *simulator.Device, log *zap.Logger) error {
	m := connmgr.New()
	defer m.Close()
	if err := m.StartServer(ctx, connmgr.ServerOptions{ServiceName: argName}); err != nil {
		return err
	}
	log.Info("SPP server registered", zap.String("name", argName), zap.Uint8("channel", connmgr.DefaultRFCOMMChannel))

	for {
		fd, peer, err := m.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info("accepted", zap.String("peer", peer.DisplayName()))
		if err := dev.Serve(ctx, transport.FileFromFD(fd)); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("client session ended", zap.String("peer", peer.DisplayName()), zap.Error(err))
		}
	}
}
