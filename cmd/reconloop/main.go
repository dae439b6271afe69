package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reconloop/reconloop/internal/log"
	"github.com/reconloop/reconloop/internal/model"
	"github.com/reconloop/reconloop/internal/scope"
)

const envConfig = "RECONLOOP_CONFIG"

var (
	configPath string // actual config file used (if loaded)
	config     model.Config

	flagMaxThreads int    // value of --max-threads
	flagDebug      bool   // value of --debug
	flagScopeOut   string // value of scope --output
)

func main() {
	rootCmd.Flags().IntVarP(&flagMaxThreads, "max-threads", "t", model.DefaultMaxThreads, "Max count of organizations scanned at once")
	rootCmd.Flags().BoolVarP(&flagDebug, "debug", "d", false, "Print lots of debugging statements")
	scopeCmd.Flags().StringVarP(&flagScopeOut, "output", "o", "", "Write domains to a file instead of stdout")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or use the default config
	rootCmd.PersistentPreRunE = initReconloop

	rootCmd.AddCommand(scopeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("reconloop failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "reconloop DIR",
	Short:        "Search for subdomains of HackerOne organizations, forever",
	Long:         "reconloop reads HackerOne scope files from DIR and keeps running the recon tool chain of every organization.",
	Args:         cobra.ExactArgs(1),
	RunE:         doRun,
	SilenceUsage: true,
}

var scopeCmd = &cobra.Command{
	Use:   "scope FILE",
	Short: "Read domains from a HackerOne CSV scope file",
	Args:  cobra.ExactArgs(1),
	RunE:  doScope,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version of reconloop",
	Run: func(cmd *cobra.Command, _ []string) {
		w := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, _ = fmt.Fprintln(w, "reconloop: version info not available")
			return
		}

		if configPath != "" {
			_, _ = fmt.Fprintf(w, "config:    %s\n", configPath)
		}
		_, _ = fmt.Fprintf(w, "reconloop: %s\n", info.Main.Version)
		_, _ = fmt.Fprintf(w, "go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				_, _ = fmt.Fprintf(w, "commit:    %s\n", s.Value)
			case "vcs.time":
				_, _ = fmt.Fprintf(w, "date:      %s\n", s.Value)
			case "vcs.modified":
				_, _ = fmt.Fprintf(w, "dirty:     %s\n", s.Value)
			}
		}
	},
}

func doScope(cmd *cobra.Command, args []string) error {
	domains, err := scope.ParseFile(args[0])
	if err != nil {
		return err
	}
	if err := scope.Write(cmd.OutOrStdout(), domains); err != nil {
		return err
	}
	if flagScopeOut == "" {
		return nil
	}
	f, err := os.Create(flagScopeOut)
	if err != nil {
		return fmt.Errorf("creating %s: %w", flagScopeOut, err)
	}
	if err := scope.Write(f, domains); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", flagScopeOut, err)
	}
	return f.Close()
}

func initReconloop(_ *cobra.Command, _ []string) error {
	var err error
	configPath, config, err = loadConfig(os.LookupEnv, configSearchPaths())
	if err != nil {
		return err
	}
	return nil
}

func configSearchPaths() []string {
	paths := []string{filepath.Join("config", "reconloop.yaml")}
	if d, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(d, "reconloop", "reconloop.yaml"))
	}
	return paths
}

// loadConfig reads the file named by $RECONLOOP_CONFIG, or the first
// existing file of paths. Without any, the embedded default is used and the
// returned path is empty.
func loadConfig(lookupEnv func(string) (string, bool), paths []string) (string, model.Config, error) {
	var path string
	if p, ok := lookupEnv(envConfig); ok && p != "" {
		path = p
	} else {
		for _, p := range paths {
			if exists(p) {
				path = p
				break
			}
		}
	}
	if path == "" {
		return "", model.DefaultConfig(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return path, *cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// openLogger maps the log setting to a logger. The returned closer is never
// nil.
func openLogger(dest string, debug bool) (*slog.Logger, io.Closer, error) {
	switch dest {
	case model.LogDiscard:
		return log.Discard(), nopCloser{}, nil
	case model.LogStderr:
		return log.New(os.Stderr, debug), nopCloser{}, nil
	}
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	logger, closer, err := log.NewFile(dest, debug)
	if err != nil {
		return nil, nil, err
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var errNoOrganizations = errors.New("no organization to scan")
