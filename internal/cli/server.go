package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/audit"
	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/protocol"
	"sealroom.dev/go/sealroom/internal/relay"
	"sealroom.dev/go/sealroom/internal/store"
)

var (
	serverListen   string
	serverDatabase string
	serverMDNS     bool

	auditLast     int
	auditSince    time.Duration
	auditAction   string
	auditIdentity string
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVarP(&serverListen, "listen", "l", "", "listen address (default from config, or :$PORT)")
	serverCmd.Flags().StringVar(&serverDatabase, "database", "", "database URL: file path, bolt://, postgres:// or memory://")
	serverCmd.Flags().BoolVar(&serverMDNS, "mdns", false, "announce the relay on the local network")

	serverCmd.AddCommand(serverAuditCmd)
	serverAuditCmd.Flags().IntVarP(&auditLast, "last", "n", 50, "show at most this many entries")
	serverAuditCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this (e.g. 24h)")
	serverAuditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action or category (account, room, conn)")
	serverAuditCmd.Flags().StringVar(&auditIdentity, "identity", "", "filter by identity")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the relay",
	Long: `Run the relay server.

The relay stores accounts, room membership and sealed envelopes. It never
holds a private key and cannot read messages.

The token signing secret must be set in the config file or with
SEALROOM_TOKEN_SECRET.

Examples:
  SEALROOM_TOKEN_SECRET=$(openssl rand -hex 32) sealroom server
  sealroom server --listen :9000 --database postgres://localhost/sealroom
  sealroom server --database memory:// --mdns`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	sc := cfg.Server
	if serverListen != "" {
		sc.Listen = serverListen
	}
	if serverDatabase != "" {
		sc.DatabaseURL = serverDatabase
	}
	if serverMDNS {
		sc.MDNS = true
	}

	check := *cfg
	check.Server = sc
	if err := check.ValidateServer(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, sc.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	authSvc, err := auth.NewService(st, []byte(sc.TokenSecret), sc.TokenTTL.Duration)
	if err != nil {
		return err
	}

	opts := serverOptions(sc)
	if sc.AuditLog != "" && sc.AuditLog != "off" {
		opts.Audit, err = audit.Open(sc.AuditLog)
		if err != nil {
			return err
		}
		defer opts.Audit.Close()
		logger.Info("audit log enabled", "path", sc.AuditLog)
	}

	srv := relay.New(opts, st, authSvc, logger.With("component", "relay"))
	return srv.Run(ctx)
}

var serverAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the relay audit log",
	Long: `Show registrations, logins, key rotations, room events and refused
connections recorded by the relay.

Examples:
  sealroom server audit
  sealroom server audit --since 24h --action account.login_failed
  sealroom server audit --action room --identity alice`,
	Args: cobra.NoArgs,
	RunE: runServerAudit,
}

func runServerAudit(cmd *cobra.Command, args []string) error {
	path := cfg.Server.AuditLog
	if path == "" || path == "off" {
		return fmt.Errorf("audit log is disabled")
	}
	log, err := audit.Open(path)
	if err != nil {
		return err
	}
	defer log.Close()

	q := audit.Query{Identity: auditIdentity, Limit: auditLast}
	if auditSince > 0 {
		q.Since = time.Now().Add(-auditSince)
	}
	if strings.Contains(auditAction, ".") {
		q.Action = audit.Action(auditAction)
	} else {
		q.Category = auditAction
	}

	entries, err := log.Search(q)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tIDENTITY\tROOM\tIP\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action,
			orDash(e.Identity), orDash(e.Room), orDash(e.IP), e.Detail)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// serverOptions maps the server config section onto relay options.
func serverOptions(sc config.ServerConfig) relay.Options {
	rl := relay.DefaultRateLimitConfig()
	rl.EventsPerSecond = sc.Limits.EventsPerSecond
	rl.Burst = sc.Limits.EventBurst
	rl.TypeLimits[protocol.EventEnvelope] = relay.TypeLimit{
		PerMinute: sc.Limits.EnvelopesPerMinute,
		Burst:     sc.Limits.EnvelopeBurst,
	}
	rl.TypeSizeLimits[protocol.EventEnvelope] = int(sc.MaxMessageBytes)

	cl := relay.DefaultConnectionLimitConfig()
	cl.MaxConnections = int32(sc.Limits.MaxConnections)
	cl.MaxConnectionsPerIP = int32(sc.Limits.MaxConnectionsPerIP)

	instance, _ := os.Hostname()
	return relay.Options{
		Listen:          sc.Listen,
		MaxMessageBytes: sc.MaxMessageBytes,
		AllowedOrigins:  sc.AllowedOrigins,
		RateLimits:      rl,
		ConnLimits:      cl,
		MDNS:            sc.MDNS,
		MDNSInstance:    instance,
	}
}
