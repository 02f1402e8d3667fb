package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List import sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := initStores(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			sessions, err := rt.sessions.List(cmd.Context())
			if err != nil {
				return err
			}

			if len(sessions) == 0 {
				fmt.Println("No import sessions.")
				return nil
			}

			fmt.Printf("%-36s  %-12s  %-6s  %-19s  %s\n", "ID", "STATUS", "ROWS", "UPDATED", "FILE")
			for _, s := range sessions {
				fmt.Printf("%-36s  %-12s  %-6d  %-19s  %s\n",
					s.ID, s.Status, s.TotalRows, s.UpdatedAt.Format("2006-01-02 15:04:05"), s.FileName)
			}
			return nil
		},
	}
}
