package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sotto/internal/domain"
)

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <prefix>",
		Short: "Find users by username prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := wire.API.SearchUsers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printUsers(users)
			return nil
		},
	}
}

func recentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recent",
		Short: "List users you have conversations with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := wire.API.RecentUsers(cmd.Context())
			if err != nil {
				return err
			}
			printUsers(users)
			return nil
		},
	}
}

func printUsers(users []domain.User) {
	if len(users) == 0 {
		fmt.Println("no users found")
		return
	}
	for _, u := range users {
		key := "no published key"
		if u.PublicKey != "" {
			key = "key published"
		}
		fmt.Printf("%-20s %s  (%s)\n", u.Username, u.ID, key)
	}
}
