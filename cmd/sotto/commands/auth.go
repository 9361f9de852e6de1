package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var password string

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <username> <email>",
		Short: "Create an account on the relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (-p)")
			}
			u, err := wire.API.Register(cmd.Context(), args[0], args[1], password)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (%s)\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	return cmd
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Obtain and store a token pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (-p)")
			}
			if _, err := wire.API.Login(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Println("logged in")
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop stored tokens and local keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wire.API.Tokens().Clear(); err != nil {
				return err
			}
			if err := wire.Keys.ClearAll(); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the authenticated profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := wire.API.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s) %s\n", u.Username, u.ID, u.Email)
			return nil
		},
	}
}
