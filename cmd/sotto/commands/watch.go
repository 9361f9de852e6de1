package commands

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sotto/internal/domain"
)

// watch <peer>: live view of one conversation. Prints history, then
// incoming messages, presence changes and typing markers as they
// happen, until interrupted.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <peer>",
		Short: "Follow a conversation live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			me, err := wire.API.Me(ctx)
			if err != nil {
				return err
			}
			peer, err := resolvePeer(ctx, args[0])
			if err != nil {
				return err
			}

			ctrl, err := wire.Chat(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			msgs, err := ctrl.FetchHistory(ctx, peer.ID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			if err := ctrl.MarkRead(ctx, peer.ID); err != nil {
				return err
			}

			updates, cancel := ctrl.Store().Subscribe()
			defer cancel()

			printed := len(ctrl.Store().Conversation(me.ID, peer.ID))
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			peerOnline := false
			peerTyping := false

			for {
				select {
				case <-ctx.Done():
					return nil
				case p := <-ctrl.Errors():
					fmt.Printf("! relay error: %s\n", p.Message)
				case <-updates:
					conv := ctrl.Store().Conversation(me.ID, peer.ID)
					for _, m := range conv[min(printed, len(conv)):] {
						printMessage(m)
					}
					printed = len(conv)
				case <-ticker.C:
					online := contains(ctrl.Presence().Online(), peer.ID)
					if online != peerOnline {
						peerOnline = online
						if online {
							fmt.Printf("* %s is online\n", peer.Username)
						} else {
							fmt.Printf("* %s went offline\n", peer.Username)
						}
					}
					typing := contains(ctrl.Presence().TypingUsers(), peer.ID)
					if typing != peerTyping {
						peerTyping = typing
						if typing {
							fmt.Printf("* %s is typing...\n", peer.Username)
						}
					}
				}
			}
		},
	}
}

func contains(ids []domain.UserID, want domain.UserID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
