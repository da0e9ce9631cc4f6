package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bluetooth-meter/internal/api"
	"bluetooth-meter/internal/config"
	"bluetooth-meter/internal/connection"
	"bluetooth-meter/internal/connmgr"
	"bluetooth-meter/internal/display"
	"bluetooth-meter/internal/session"
	"bluetooth-meter/internal/transport"
)

var (
	argTransport string
	argAddress   string
	argHTTP      string
	argNoJSON    bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Connect to the meter and stream levels until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("transport") {
				cfg.Device.Transport = argTransport
			}
			if cmd.Flags().Changed("address") {
				cfg.Device.Address = argAddress
			}
			if cmd.Flags().Changed("http") {
				cfg.Display.HTTPListen = argHTTP
			}
			if argNoJSON {
				cfg.Display.JSON = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Device.Address == "" {
				return errors.New("no device address: set device.address or --address")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
)

func init() {
	runCmd.Flags().StringVarP(&argTransport, "transport", "t", "", "bluez, serial or tcp (overrides device.transport)")
	runCmd.Flags().StringVarP(&argAddress, "address", "a", "", "device MAC/object path, tty or host:port (overrides device.address)")
	runCmd.Flags().StringVar(&argHTTP, "http", "", "listen address of the HTTP API, empty disables it")
	runCmd.Flags().BoolVar(&argNoJSON, "no-json", false, "do not print level events on stdout")

	rootCmd.AddCommand(runCmd)
}

func newTransport(cfg config.DeviceConfig) (transport.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportBlueZ:
		m := connmgr.New()
		return transport.NewBlueZ(m, cfg.ServiceUUID), func() { _ = m.Close() }, nil
	case config.TransportSerial:
		return transport.NewSerial(cfg.BaudRate), func() {}, nil
	case config.TransportTCP:
		return transport.NewTCP(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	st, err := openStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()

	tr, closeTransport, err := newTransport(cfg.Device)
	if err != nil {
		return err
	}
	defer closeTransport()

	mgr := connection.New(tr, tr, connection.Options{
		ReconnectInterval: cfg.Link.ReconnectInterval,
		ConnectTimeout:    cfg.Link.ConnectTimeout,
		PoolBuffers:       cfg.Link.PoolBuffers,
		MaxFrameSize:      cfg.Link.MaxFrameSize,
	}, log)
	sess, err := session.New(mgr, st, log)
	if err != nil {
		return err
	}
	bus := display.NewBus()
	sess.AddListener(bus)
	mgr.Start(sess)
	defer func() {
		mgr.Close()
		sess.Close()
	}()

	if cfg.Display.JSON {
		go display.NewJSONLines(bus, os.Stdout, log).Run(ctx)
	}

	var srv *http.Server
	if cfg.Display.HTTPListen != "" {
		srv = &http.Server{
			Addr:              cfg.Display.HTTPListen,
			Handler:           api.NewRouter(sess, mgr, st, bus, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("http api listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http api", zap.Error(err))
			}
		}()
	}

	dev := connection.Device{Address: cfg.Device.DevicePath(), Name: cfg.Device.Name}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Link.ConnectTimeout)
	err = mgr.Connect(connectCtx, dev)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", dev, err)
	}
	log.Info("meter configured", zap.Stringer("device", dev), zap.String("transport", cfg.Device.Transport))

	<-ctx.Done()
	log.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
