package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sotto/internal/domain"
)

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <peer>",
		Short: "Print a decrypted conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
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
			if err := ctrl.MarkRead(ctx, peer.ID); err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			peer, err := resolvePeer(ctx, args[0])
			if err != nil {
				return err
			}
			if peer.PublicKey == "" {
				return fmt.Errorf("%s has not published a key yet", peer.Username)
			}

			ctrl, err := wire.Chat(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			text := strings.Join(args[1:], " ")
			msg, err := ctrl.SendMessage(ctx, peer.ID, text, peer.PublicKey)
			if err != nil {
				return err
			}
			fmt.Printf("sent %s\n", msg.ID)
			return nil
		},
	}
}

func editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <peer> <messageId> <text>",
		Short: "Re-encrypt and replace a sent message",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			peer, err := resolvePeer(ctx, args[0])
			if err != nil {
				return err
			}
			if peer.PublicKey == "" {
				return fmt.Errorf("%s has not published a key yet", peer.Username)
			}

			ctrl, err := wire.Chat(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			// The edit applies against the fetched conversation.
			if _, err := ctrl.FetchHistory(ctx, peer.ID); err != nil {
				return err
			}
			text := strings.Join(args[2:], " ")
			if err := ctrl.EditMessage(ctx, args[1], text, peer.PublicKey, peer.ID); err != nil {
				return err
			}
			fmt.Println("edited")
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <peer> <messageId>",
		Short: "Remove a message you sent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			peer, err := resolvePeer(ctx, args[0])
			if err != nil {
				return err
			}

			ctrl, err := wire.Chat(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if _, err := ctrl.FetchHistory(ctx, peer.ID); err != nil {
				return err
			}
			if err := ctrl.DeleteMessage(ctx, args[1]); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func printMessage(m domain.Message) {
	flags := ""
	if m.IsEdited {
		flags = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n",
		m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderID, m.Plaintext, flags)
}
