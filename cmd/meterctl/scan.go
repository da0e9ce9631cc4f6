package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bluetooth-meter/internal/connmgr"
	"bluetooth-meter/internal/transport"
)

var (
	argScanTimeout time.Duration
	argScanSerial  bool

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Discover nearby meters advertising the serial port profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if argScanSerial {
				return listSerialPorts()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), argScanTimeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			m := connmgr.New()
			defer m.Close()

			fmt.Fprintf(os.Stderr, "scanning for %s...\n", argScanTimeout)
			devs, err := m.ScanSPP(ctx)
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				fmt.Println("no SPP devices found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MAC\tNAME\tPAIRED\tPATH")
			for _, d := range devs {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.MAC, d.DisplayName(), d.Paired, d.Path)
			}
			return w.Flush()
		},
	}
)

func init() {
	scanCmd.Flags().DurationVar(&argScanTimeout, "timeout", 15*time.Second, "discovery duration")
	scanCmd.Flags().BoolVar(&argScanSerial, "serial", false, "list serial ports instead of scanning Bluetooth")

	rootCmd.AddCommand(scanCmd)
}

func listSerialPorts() error {
	ports, err := transport.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
