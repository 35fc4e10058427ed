/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/debtdesk/apiserver/config"
	"github.com/debtdesk/apiserver/internal/logging"
	"github.com/debtdesk/apiserver/internal/mq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect events published by the server",
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch [channel]",
	Short: "Log every message published on a channel",
	Long: fmt.Sprintf(`Subscribe to a broker channel and log each message until interrupted.
The channel defaults to %q; use %q for sign-in activity.`, mq.ChannelBatchCompleted, mq.ChannelAuthEvents),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := mq.ChannelBatchCompleted
		if len(args) == 1 {
			channel = args[0]
		}

		cfg := config.LoadConfig()
		logger := logging.New(cfg.LogLevel, cfg.Env)
		defer func() { _ = logger.Sync() }()

		queue, err := mq.NewFromConfig(cmd.Context(), cfg.MQ)
		if err != nil {
			return err
		}
		if queue == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer func() { _ = queue.Close() }()

		logger.Info("watching", zap.String("channel", channel))
		err = queue.Subscribe(cmd.Context(), channel, func(_ context.Context, msg mq.Message) error {
			logger.Info("message",
				zap.String("channel", channel),
				zap.String("id", msg.ID),
				zap.Any("attributes", msg.Attributes),
				zap.ByteString("data", msg.Data),
			)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsWatchCmd)
}
