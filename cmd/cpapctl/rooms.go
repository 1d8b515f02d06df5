package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func parseRoom(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid room number %q", s)
	}
	return n, nil
}

func currentCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "current ROOM",
		Short: "Show the current sample of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := parseRoom(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			cur, err := opts.client().Current(ctx, room)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cur)
		},
	}
}

func roomsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List occupied rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			rooms, err := opts.client().Rooms(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rooms)
		},
	}
}

func pressureCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pressure ROOM CMH2O",
		Short: "Set the CPAP pressure of an occupied room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := parseRoom(args[0])
			if err != nil {
				return err
			}
			p, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid pressure %q", args[1])
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			updated, err := opts.client().SetPressure(ctx, room, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), updated)
		},
	}
}

func vacateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vacate ROOM",
		Short: "Clear a room's current state (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := parseRoom(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := opts.client().Vacate(ctx, room); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "room %d vacated\n", room)
			return nil
		},
	}
}
