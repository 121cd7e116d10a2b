package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/protocol"
	"sealroom.dev/go/sealroom/internal/tui"
)

const rosterTimeout = 10 * time.Second

var sendImage string

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendImage, "image", "", "send an image file instead of text")
}

var chatCmd = &cobra.Command{
	Use:   "chat <code>",
	Short: "Open a room in the terminal chat view",
	Long: `Join a room and open the interactive chat view.

Earlier messages are replayed from the relay. Type a message and press
Enter to send it to every member.

Commands:
  /img <path>  send an image (500 KB max)
  /quit        leave the chat view

Examples:
  sealroom chat ABC123`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	if !tui.Interactive() {
		return errors.New("chat needs an interactive terminal; use 'sealroom send' from scripts")
	}

	sess, err := joinRoom(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer sess.Close()

	return tui.RunChat(sess)
}

var sendCmd = &cobra.Command{
	Use:   "send <code> [text]",
	Short: "Send one message to a room",
	Long: `Send a single text or image message to every member of a room and exit.

Examples:
  sealroom send ABC123 "build finished"
  sealroom send ABC123 --image screenshot.png`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	var data []byte
	switch {
	case sendImage != "" && len(args) == 2:
		return errors.New("give either text or --image, not both")
	case sendImage != "":
		var err error
		if data, err = os.ReadFile(sendImage); err != nil {
			return err
		}
		// Reject before unlocking keys or connecting
		if _, err := protocol.NewImage(data); err != nil {
			return err
		}
	case len(args) < 2:
		return errors.New("nothing to send")
	}

	sess, err := joinRoom(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := waitForRoster(cmd.Context(), sess); err != nil {
		return err
	}

	var msg client.Message
	if data != nil {
		msg, err = sess.SendImage(data)
	} else {
		msg, err = sess.SendText(args[1])
	}
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if len(msg.Unreachable) > 0 {
		fmt.Fprintf(os.Stderr, "Not delivered to %v: invalid public key\n", msg.Unreachable)
	}
	return nil
}

// joinRoom opens a session from the saved login and joins code.
func joinRoom(ctx context.Context, code string) (*client.Session, error) {
	code, err := protocol.NormalizeRoomCode(code)
	if err != nil {
		return nil, err
	}

	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	saved, err := requireSession(paths)
	if err != nil {
		return nil, err
	}

	sess, err := openSession(ctx, paths, saved)
	if err != nil {
		return nil, err
	}
	if err := sess.Join(code); err != nil {
		sess.Close()
		return nil, fmt.Errorf("join %s: %w", code, err)
	}
	return sess, nil
}

// waitForRoster drains updates until the joined room's roster arrives.
func waitForRoster(ctx context.Context, sess *client.Session) error {
	ctx, cancel := context.WithTimeout(ctx, rosterTimeout)
	defer cancel()

	for {
		select {
		case u, ok := <-sess.Updates():
			if !ok {
				return errors.New("relay closed the connection")
			}
			switch u := u.(type) {
			case client.Roster:
				if u.Room == sess.Room() {
					return nil
				}
			case client.Notice:
				if u.Kind == client.NoticeRelayError {
					return u.Err
				}
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for room roster: %w", ctx.Err())
		}
	}
}
