package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sotto/internal/app"
	"sotto/internal/domain"
)

var (
	home      string
	serverURL string
	wire      *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:   "sotto",
		Short: "End-to-end encrypted chat CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".sotto")
			}

			var err error
			wire, err = app.NewWire(app.Config{Home: home, ServerURL: serverURL})
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.sotto)")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "relay base URL")

	root.AddCommand(
		registerCmd(), loginCmd(), logoutCmd(), whoamiCmd(),
		searchCmd(), recentCmd(), historyCmd(),
		sendCmd(), watchCmd(), editCmd(), deleteCmd(),
	)
	return root.Execute()
}

// resolvePeer maps a username to its profile, which carries the id and
// advertised public key.
func resolvePeer(ctx context.Context, username string) (domain.User, error) {
	users, err := wire.API.SearchUsers(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("no user named %q", username)
}
