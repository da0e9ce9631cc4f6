package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bluetooth-meter/internal/config"
	"bluetooth-meter/internal/meter"
)

var (
	argHold time.Duration

	channelsCmd = &cobra.Command{
		Use:   "channels",
		Short: "Edit the stored channel configuration",
		Long: "Edit the stored channel configuration. A running client reloads the\n" +
			"store on its next connect; use the HTTP API to push changes live.",
	}

	channelsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openCmdStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			all, err := st.All()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tTYPE\tHOLD")
			for _, c := range all {
				hold := "-"
				if c.HasHold() {
					hold = c.HoldTime.String()
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", c.Channel, c.Type, hold)
			}
			return w.Flush()
		},
	}

	channelsSetCmd = &cobra.Command{
		Use:   "set <channel> <none|digital_peak|ppm|vu>",
		Short: "Set the meter type of a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid channel %q", args[0])
			}
			mt, err := meter.ParseMeterType(args[1])
			if err != nil {
				return err
			}
			cfg := meter.ChannelConfig{Channel: ch, Type: mt, HoldTime: argHold}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := openCmdStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SetChannelConfig(cfg); err != nil {
				return err
			}
			fmt.Println(cfg)
			return nil
		},
	}

	channelsDeleteCmd = &cobra.Command{
		Use:   "delete <channel>",
		Short: "Remove a channel from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid channel %q", args[0])
			}
			st, err := openCmdStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteChannel(ch)
		},
	}
)

func init() {
	channelsSetCmd.Flags().DurationVar(&argHold, "hold", 0, "peak hold time (digital_peak and ppm only)")

	channelsCmd.AddCommand(channelsListCmd, channelsSetCmd, channelsDeleteCmd)
	rootCmd.AddCommand(channelsCmd)
}

func openCmdStore(cmd *cobra.Command) (channelStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("store.path is empty; nothing to edit")
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return openStore(cfg.Store, log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
}
