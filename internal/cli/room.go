package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/config"
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Create and list rooms",
}

func init() {
	rootCmd.AddCommand(roomCmd)
	roomCmd.AddCommand(roomNewCmd)
	roomCmd.AddCommand(roomListCmd)
}

var roomNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a room and print its code",
	Long: `Create a room with a fresh code and join it. Share the code with the
people you want to talk to; they join with 'sealroom chat <code>'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api, sess, err := sessionAPI()
		if err != nil {
			return err
		}

		code, err := api.CreateRoom(cmd.Context(), sess.Token)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}

		fmt.Printf("Room created: %s\n", code)
		fmt.Println()
		fmt.Printf("Start chatting with: sealroom chat %s\n", code)
		return nil
	},
}

var roomListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms you belong to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api, sess, err := sessionAPI()
		if err != nil {
			return err
		}

		rooms, err := api.Rooms(cmd.Context(), sess.Token)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}

		if len(rooms) == 0 {
			fmt.Println("You have not joined any rooms yet.")
			fmt.Println()
			fmt.Println("Create one with: sealroom room new")
			return nil
		}

		fmt.Printf("Rooms (%d)\n\n", len(rooms))
		for _, code := range rooms {
			fmt.Printf("  %s\n", code)
		}
		return nil
	},
}

// sessionAPI returns an API client for the saved session's relay.
func sessionAPI() (*client.API, *config.Session, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, nil, fmt.Errorf("get paths: %w", err)
	}
	sess, err := requireSession(paths)
	if err != nil {
		return nil, nil, err
	}
	return client.NewAPI(sess.ServerURL), sess, nil
}
