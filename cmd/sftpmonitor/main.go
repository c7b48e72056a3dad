package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dfirvault/sftpmonitor/internal/config"
	"github.com/dfirvault/sftpmonitor/internal/session"
	"github.com/dfirvault/sftpmonitor/internal/sync"
)

var version = "dev"

var cyan = color.New(color.FgHiCyan, color.Bold).SprintFunc()

var rootCmd = &cobra.Command{
	Use:     "sftpmonitor",
	Short:   "One-way file synchronization over SFTP/FTP",
	Long:    "sftpmonitor mirrors a local directory and a remote directory. One side is\nauthoritative per session: LOCAL mode pushes local changes up, REMOTE mode\npulls remote changes down.",
	Version: version,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Host:           viper.GetString("host"),
			Port:           viper.GetInt("port"),
			Protocol:       config.Protocol(viper.GetString("protocol")),
			Username:       viper.GetString("username"),
			Password:       viper.GetString("password"),
			KeyFile:        viper.GetString("key_file"),
			RemoteRoot:     viper.GetString("remote_root"),
			LocalRoot:      viper.GetString("local_root"),
			Mode:           config.Mode(viper.GetString("mode")),
			PollInterval:   viper.GetDuration("poll_interval"),
			PollTimeout:    viper.GetDuration("poll_timeout"),
			DebounceWindow: viper.GetDuration("debounce_window"),
			SuppressWindow: viper.GetDuration("suppress_window"),
			DialTimeout:    viper.GetDuration("dial_timeout"),
			BackoffBase:    viper.GetDuration("backoff_base"),
			BackoffCap:     viper.GetDuration("backoff_cap"),
			MaxIORetries:   viper.GetInt("max_io_retries"),
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}

		// Config is good; failures past this point are runtime, not usage.
		cmd.SilenceUsage = true

		logFile, err := setupLogging(cfg.LocalRoot, viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		defer logFile.Close()

		fmt.Println(cyan("sftpmonitor " + version))
		logConfigSummary(cfg)

		sess := session.New(cfg, nil, nil)
		monitor := sync.NewMonitor(cfg, sess, nil)
		err = monitor.Run(cmd.Context())
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err == nil {
			slog.Info("shutdown complete")
		}
		return err
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().String("host", "", "remote host")
	rootCmd.Flags().Int("port", 0, "remote port (default 22 for sftp, 21 for ftp)")
	rootCmd.Flags().String("protocol", "sftp", "remote protocol: sftp or ftp")
	rootCmd.Flags().StringP("username", "u", "", "remote username")
	rootCmd.Flags().StringP("password", "p", "", "remote password")
	rootCmd.Flags().String("key", "", "path to an SSH private key (sftp only)")
	rootCmd.Flags().StringP("remote", "r", "", "remote root directory")
	rootCmd.Flags().StringP("local", "l", "", "local root directory")
	rootCmd.Flags().StringP("mode", "m", "", "authoritative side: local or remote")
	rootCmd.Flags().Duration("poll-interval", config.DefaultPollInterval, "remote poll interval (remote mode)")
	rootCmd.Flags().Duration("debounce", config.DefaultDebounceWindow, "event debounce window (local mode)")
	rootCmd.Flags().BoolP("verbose", "v", false, "enable debug logging on the console")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ~/.sftpmonitor/config.yaml)")
}

func main() {
	slog.SetDefault(slog.New(consoleHandler(false)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configPath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configPath)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".sftpmonitor"))
		viper.AddConfigPath(filepath.Join(home, ".config", "sftpmonitor"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("protocol", cmd.Flags().Lookup("protocol"))
	viper.BindPFlag("username", cmd.Flags().Lookup("username"))
	viper.BindPFlag("password", cmd.Flags().Lookup("password"))
	viper.BindPFlag("key_file", cmd.Flags().Lookup("key"))
	viper.BindPFlag("remote_root", cmd.Flags().Lookup("remote"))
	viper.BindPFlag("local_root", cmd.Flags().Lookup("local"))
	viper.BindPFlag("mode", cmd.Flags().Lookup("mode"))
	viper.BindPFlag("poll_interval", cmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("debounce_window", cmd.Flags().Lookup("debounce"))
	viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))

	viper.SetEnvPrefix("SFTPMONITOR")
	viper.AutomaticEnv()
	return nil
}

// logConfigSummary records the effective configuration. Credentials are
// deliberately left out.
func logConfigSummary(cfg *config.Config) {
	slog.Info("configuration",
		"host", cfg.Addr(),
		"protocol", string(cfg.Protocol),
		"username", cfg.Username,
		"remote_root", cfg.RemoteRoot,
		"local_root", cfg.LocalRoot,
		"mode", string(cfg.Mode),
		"poll_interval", cfg.PollInterval,
		"debounce_window", cfg.DebounceWindow,
	)
}
