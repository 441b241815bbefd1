package main

import (
	"fmt"

	"github.com/spf13/cobra"

	srv "github.com/agentic-crm/memstack/internal/server"
)

func hashCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Hash an agent password for the server.agents config block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := srv.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
