package main

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
	"github.com/spf13/cobra"
)

var errNotConfirmed = errors.New("refusing to wipe without --yes")

func (a *app) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact every store now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.persistence.Compact(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Stores compacted")
			return nil
		},
	}
}

func (a *app) wipeCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Remove every record from every store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return errNotConfirmed
			}
			if err := a.persistence.RemoveAll(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "all stores wiped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm removal of all records")
	return cmd
}
