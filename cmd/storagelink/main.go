package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c command) *cobra.Command {
	global := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "storagelink",
		Short: "Link clients to a local document database and a sync service",
		Long: `storagelink supervises a local mongod backend and serves the link
commands over HTTP.

Examples:
  storagelink serve --config=storagelink.toml
  storagelink discover
  storagelink ensure --host=127.0.0.1 --port=27017 --name=main
  storagelink link --api-url=http://127.0.0.1:90
  storagelink session --link-id=<id>`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createServeCommand(c, global),
		createDiscoverCommand(c, global),
		createBackendCommand(c, global, "ensure", "Start or re-attach the backend database", c.Ensure),
		createBackendCommand(c, global, "load-database", "Run the load-database command against the backend", c.LoadDatabase),
		createBackendCommand(c, global, "stop", "Terminate a discovered backend", c.Stop),
		createLinkCommand(c, global),
		createSessionCommand(c, global),
		createAuthorizeCommand(c, global),
	)
	return root
}

func createServeCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the linker",
		Long: `Start the linker HTTP server. Settings come from the TOML config file
and STORAGELINK_* environment variables.

Examples:
  storagelink serve --config=storagelink.toml
  storagelink serve storagelink.toml --daemonize --pidfile=/run/storagelink.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = global.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the linker PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createDiscoverCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List backends recorded under the backend root",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Discover(cmd.Context(), BackendFlags{ConfigPath: global.ConfigPath})
		},
	}
}

func createBackendCommand(c command, global *GlobalFlags, use, short string, run func(context.Context, BackendFlags) error) *cobra.Command {
	f := &BackendFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.ConfigPath = global.ConfigPath
			return run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Host, "host", "", "backend host (default from config)")
	cmd.Flags().IntVar(&f.Port, "port", 0, "backend port (default from config)")
	if use == "ensure" {
		cmd.Flags().StringVar(&f.Name, "name", "", "backend name")
		cmd.Flags().StringVar(&f.ID, "id", "", "backend ID (generated when empty)")
	}
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "linker URL including base path (default from config)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an HTTPS linker")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func createLinkCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &LinkFlags{}
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Bind a link on a running linker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.ConfigPath = global.ConfigPath
			return c.Link(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.ID, "id", "", "link ID (generated when empty)")
	cmd.Flags().StringVar(&f.AppID, "app-id", "", "select a registered app")
	cmd.Flags().StringVar(&f.DefaultAppKey, "default-app-key", "", "app key used when authorize receives none")
	cmd.Flags().StringVar(&f.DefaultAppSecret, "default-app-secret", "", "app secret used when authorize receives none")
	return cmd
}

func createSessionCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &SessionFlags{}
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the session bound to a link",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.ConfigPath = global.ConfigPath
			return c.Session(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.LinkID, "link-id", "", "link ID")
	return cmd
}

func createAuthorizeCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &AuthorizeFlags{}
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Request the sync service consent page for an app",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.ConfigPath = global.ConfigPath
			return c.Authorize(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.LinkID, "link-id", "", "link whose session selects the app")
	cmd.Flags().StringVar(&f.Callback, "callback", "", "URL the sync service returns to")
	cmd.Flags().StringVar(&f.StorageID, "storage-id", "", "collection hash of the storage")
	cmd.Flags().StringVar(&f.AppID, "app-id", "", "app ID")
	cmd.Flags().StringVar(&f.AppKey, "app-key", "", "app key")
	cmd.Flags().StringVar(&f.AppSecret, "app-secret", "", "app secret")
	return cmd
}
