package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/protocol"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify <room> <member>",
	Short: "Show the safety code shared with a room member",
	Long: `Show the safety code for you and another member of a room.

The code is derived from both public keys, using the roster last received
for the room. Compare it with the other person over a channel you trust,
in person or on a call. If the codes differ, the relay handed one of you
a key that does not belong to the other.

Examples:
  sealroom verify K7M2QX bob`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	room, err := protocol.NormalizeRoomCode(args[0])
	if err != nil {
		return err
	}
	member := args[1]

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	sess, err := requireSession(paths)
	if err != nil {
		return err
	}
	if member == sess.Username {
		return fmt.Errorf("%s is you; pick another member", member)
	}

	self, err := crypto.ReadPublicKey(paths.IdentityFile)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	peer, err := client.NewDirectoryCache(paths.DirectoryDir).Resolve(room, member)
	if errors.Is(err, client.ErrSenderInfoMissing) {
		return fmt.Errorf("no key known for %s in %s. Join the room with 'sealroom chat %s' first", member, room, room)
	}
	if err != nil {
		return err
	}

	code := crypto.ComputeSafetyCode(self, peer)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Safety code with %s in %s\n\n", member, room)
	fmt.Fprintf(out, "  %s\n", code)
	fmt.Fprintf(out, "  %s\n\n", code.Digits)
	fmt.Fprintf(out, "Your fingerprint:  %s\n", self.Fingerprint())
	fmt.Fprintf(out, "%s's fingerprint: %s\n", member, peer.Fingerprint())
	return nil
}
