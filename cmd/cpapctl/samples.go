package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cpapsync/internal/protocol"
	"cpapsync/internal/store"
)

func uploadCommand(opts *globalOptions) *cobra.Command {
	var (
		id       protocol.Identity
		pressure float64
	)
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload an acquisition file as the room's new sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, skipped, err := loadFile(args[0])
			if err != nil {
				return err
			}
			if skipped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: skipped %d malformed rows\n", skipped)
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()

			a, err := c.CheckAssignment(ctx, id.MRN, id.RoomNumber)
			if err != nil {
				return err
			}
			if a.MRNAssigned && a.RoomOfMRN != nil && *a.RoomOfMRN != id.RoomNumber {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: MRN %d is currently shown in room %d\n", id.MRN, *a.RoomOfMRN)
			}
			if a.RoomOccupied && a.OccupiedBy != nil && *a.OccupiedBy != id.MRN {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: room %d is occupied by MRN %d and will be replaced\n", id.RoomNumber, *a.OccupiedBy)
			}

			res, err := c.Submit(ctx, protocol.SubmitRequest{
				Identity: id,
				Pressure: pressure,
				Waveform: points,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&id.MRN, "mrn", 0, "medical record number")
	f.StringVar(&id.Name, "name", "", "patient name")
	f.IntVar(&id.RoomNumber, "room", 0, "room number")
	f.Float64Var(&pressure, "pressure", 0, "CPAP pressure in cmH2O")
	for _, name := range []string{"mrn", "name", "room", "pressure"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func historyCommand(opts *globalOptions) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "history MRN [SAMPLE_ID]",
		Short: "List a patient's samples, or show one sample with its waveform",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mrn, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid MRN %q", args[0])
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()

			if len(args) == 2 {
				id, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid sample id %q", args[1])
				}
				entry, err := c.Entry(ctx, mrn, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entry)
			}

			var r store.TimeRange
			if r.From, err = parseFlagTime(from); err != nil {
				return err
			}
			if r.To, err = parseFlagTime(to); err != nil {
				return err
			}
			samples, err := c.History(ctx, mrn, r)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), samples)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "earliest timestamp (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "latest timestamp (RFC 3339)")
	return cmd
}

func parseFlagTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return t, nil
}
