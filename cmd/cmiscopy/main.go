// cmiscopy mirrors a folder of a CMIS repository (Alfresco browser binding)
// to a local directory and pushes local edits back.
//
// Usage:
//
//	cmiscopy --action download [flags] [sub-path]   Fetch changed files
//	cmiscopy --action upload [flags] [sub-path]     Push changed files
//	cmiscopy registry list                          Show synced versions
//	cmiscopy registry export                        Dump the registry as YAML
//	cmiscopy version
//
// Every flag can also be set as CMISCOPY_<FLAG> (dashes become
// underscores) or in the file named by --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/cmiscopy/internal/cmis"
	"github.com/fruitsalade/cmiscopy/internal/config"
	"github.com/fruitsalade/cmiscopy/internal/logging"
	"github.com/fruitsalade/cmiscopy/internal/metrics"
	"github.com/fruitsalade/cmiscopy/internal/registry"
	"github.com/fruitsalade/cmiscopy/internal/syncer"
	"github.com/fruitsalade/cmiscopy/internal/task"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var errFilesFailed = errors.New("some files failed to sync")

func main() {
	v := config.New()
	rootCmd := newRootCmd(v)
	rootCmd.AddCommand(newRegistryCmd(v), newVersionCmd())

	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "cmiscopy [sub-path]",
		Short: "Copy files between a CMIS repository and a local directory",
		Long: "cmiscopy downloads documents from a CMIS repository into a local tree, or\n" +
			"uploads local edits back. Uploads are refused for files whose remote version\n" +
			"moved on since they were last downloaded.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ReadFile(v, configFile); err != nil {
				return err
			}
			return initLogging(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			var subPath string
			if len(args) == 1 {
				subPath = args[0]
			}
			return runSync(cmd.Context(), cfg, subPath)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	f.String(config.KeyURL, "", "CMIS browser binding URL")
	f.String(config.KeyRepository, "", "repository id (default: first repository)")
	f.String(config.KeyCMISRoot, "/", "repository folder the sub-path is relative to")
	f.String(config.KeyLocalRoot, ".", "local directory mirroring cmis-root")
	f.StringP(config.KeyUsername, "u", "", "repository user")
	f.String(config.KeyPassword, "", "repository password (prompted when empty)")
	f.StringP(config.KeyAction, "a", "", "upload (u) or download (d)")
	f.IntP(config.KeyWorkers, "w", 4, "files transferred in parallel")
	f.String(config.KeySpool, string(syncer.SpoolMemory), "where remote bytes are held during comparison: memory or disk")
	f.String("registry-driver", registry.DriverFile, "version registry backend: file, sqlite, postgres or s3")
	f.String("registry-dsn", "", "registry path or connection string (default: <local-root>/.cmiscopy/versions.*)")
	f.String("registry-namespace", "", "scope of this tree's entries in a shared registry (default for postgres and s3: <host>:<local-root>)")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "console", "console or json")
	f.String("log-file", "", "write logs to this file, rotated (default: stderr)")
	f.String(config.KeyMetricsAddr, "", "serve Prometheus metrics on this address, e.g. :9090")
	f.Duration(config.KeyTimeout, 60*time.Second, "how long to wait for a response to start (0 waits forever); transfers themselves are not limited")

	for key, flag := range map[string]string{
		config.KeyURL:            config.KeyURL,
		config.KeyRepository:     config.KeyRepository,
		config.KeyCMISRoot:       config.KeyCMISRoot,
		config.KeyLocalRoot:      config.KeyLocalRoot,
		config.KeyUsername:       config.KeyUsername,
		config.KeyPassword:       config.KeyPassword,
		config.KeyAction:         config.KeyAction,
		config.KeyWorkers:        config.KeyWorkers,
		config.KeySpool:          config.KeySpool,
		config.KeyRegistryDriver: "registry-driver",
		config.KeyRegistryDSN:    "registry-dsn",
		config.KeyRegistryNS:     "registry-namespace",
		config.KeyLogLevel:       "log-level",
		config.KeyLogFormat:      "log-format",
		config.KeyLogFile:        "log-file",
		config.KeyMetricsAddr:    config.KeyMetricsAddr,
		config.KeyTimeout:        config.KeyTimeout,
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func initLogging(v *viper.Viper) error {
	return logging.Init(logging.Config{
		Level:      v.GetString(config.KeyLogLevel),
		Format:     v.GetString(config.KeyLogFormat),
		OutputPath: v.GetString(config.KeyLogFile),
	})
}

func runSync(ctx context.Context, cfg *config.Config, subPath string) error {
	if err := cfg.RequireSync(); err != nil {
		return err
	}
	if cfg.Password == "" {
		pw, err := promptPassword(cfg.Username)
		if err != nil {
			return err
		}
		cfg.Password = pw
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	reg, err := registry.Open(ctx, cfg.RegistryDriver, cfg.RegistryDSN, registry.WithNamespace(cfg.RegistryNamespace))
	if err != nil {
		return err
	}
	defer reg.Close()

	client := cmis.New(cmis.Config{
		URL:          cfg.URL,
		RepositoryID: cfg.RepositoryID,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Timeout:      cfg.Timeout,
	})
	info, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	logging.Info("connected",
		zap.String("repository", info.ID),
		zap.String("product", info.ProductName),
		zap.Int("registry_entries", reg.Len()))

	engine := syncer.New(client, reg, syncer.Options{Spool: cfg.Spool})
	runner := task.NewRunner(engine, client, task.Config{
		LocalRoot: cfg.LocalRoot,
		CMISRoot:  cfg.CMISRoot,
		Action:    cfg.Action,
		Workers:   cfg.Workers,
	})

	summary, err := runner.Run(ctx, subPath, printResult)
	if err != nil {
		return err
	}
	fmt.Println(summary.String())
	if !summary.OK() {
		return errFilesFailed
	}
	return nil
}

func printResult(r task.Result) {
	line := fmt.Sprintf("%-13s %s", r.Outcome, r.Path)
	if r.Outcome.Transferred() {
		line += " (" + humanize.Bytes(uint64(r.Bytes)) + ")"
	}
	if r.Err != nil {
		line += ": " + r.Err.Error()
	}
	fmt.Println(line)
}

func promptPassword(username string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s is required when stdin is not a terminal", config.KeyPassword)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cmiscopy", version)
		},
	}
}
