package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cpapsync/internal/db"
)

func tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "token ROLE",
		Short:     "Generate a bearer token for patient, monitor or admin",
		Long:      "Prints a fresh token. Put it in CPAP_PATIENT_API_KEY, CPAP_MONITOR_API_KEY or CPAP_ADMIN_API_KEY on the server.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{db.RolePatient, db.RoleMonitor, db.RoleAdmin},
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := db.GenerateToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
