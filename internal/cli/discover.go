package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/tui"
)

var (
	discoverTimeout time.Duration
	useDiscovery    bool
)

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 3*time.Second, "how long to listen for announcements")

	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().BoolVar(&useDiscovery, "discover", false, "pick a relay announced on the local network")
	}
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find relays on the local network",
	Long: `List relays announcing themselves over mDNS on the local network.
Relays announce when started with 'sealroom server --mdns'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		relays, err := client.Discover(cmd.Context(), discoverTimeout)
		if err != nil {
			return err
		}
		if len(relays) == 0 {
			fmt.Println("No relays found on the local network.")
			return nil
		}

		fmt.Printf("Relays (%d)\n\n", len(relays))
		for _, r := range relays {
			fmt.Printf("  %-24s %s\n", r.Instance, r.URL())
		}
		return nil
	},
}

// accountServerURL resolves the relay for register and login, browsing
// the local network when --discover is set.
func accountServerURL(ctx context.Context) (string, error) {
	if !useDiscovery {
		return serverURL(accountServer, nil), nil
	}

	fmt.Println("Looking for relays on the local network...")
	relays, err := client.Discover(ctx, discoverTimeout)
	if err != nil {
		return "", err
	}
	switch len(relays) {
	case 0:
		return "", errors.New("no relays found on the local network")
	case 1:
		fmt.Printf("Using %s (%s)\n", relays[0].Instance, relays[0].URL())
		return relays[0].URL(), nil
	}

	options := make([]string, len(relays))
	for i, r := range relays {
		options[i] = fmt.Sprintf("%s (%s)", r.Instance, r.URL())
	}
	choice, err := tui.Select("Select a relay:", options)
	if err != nil {
		return "", err
	}
	return relays[choice].URL(), nil
}
