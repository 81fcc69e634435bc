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
	"time"

	"github.com/spf13/cobra"

	"github.com/skyfleet/missionagent/internal/log"
	"github.com/skyfleet/missionagent/internal/model"
)

var (
	userConfigPath string // /default/config/path/missionagent on given OS
	configPath     string // actual config file used
	config         model.Config
	logCloser      io.Closer // set once logging is initialized

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagFormat         string // value of telemetry --format flag
	flagDir            string // value of telemetry --dir flag
	flagTimeout        time.Duration
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "missionagent")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+model.DefaultConfigFile+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	telemetryCmd.Flags().StringVar(&flagFormat, "format", "", "snapshot encoding: json or cbor (base64), default TELEMETRY_FORMAT")
	telemetryCmd.Flags().StringVar(&flagDir, "dir", "", "store the snapshot in a new file inside this directory instead of printing it")
	telemetryCmd.Flags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "how long to wait for the vehicle")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(telemetryCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if err != nil {
		slog.Error("missionagent failed", "err", err)
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "missionagent",
	Short:        "On-vehicle agent executing missions from a job queue",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:               "run",
	Short:             "connect to the job queue and the vehicle and execute queued missions",
	PersistentPreRunE: initAgent,
	RunE:              doRun,
}

var telemetryCmd = &cobra.Command{
	Use:               "telemetry",
	Short:             "print one telemetry snapshot of the vehicle",
	PersistentPreRunE: initAgent,
	RunE:              doTelemetry,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version of the missionagent",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("missionagent: version info not available")
			return
		}
		fmt.Printf("missionagent: %s\n", info.Main.Version)
		fmt.Printf("go:           %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:       %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:         %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:        %s\n", s.Value)
			}
		}
	},
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func initAgent(_ *cobra.Command, _ []string) error {
	path, err := findConfig()
	if err != nil {
		return err
	}
	configPath = path

	config, err = model.LoadConfig(configPath)
	if err != nil {
		for _, d := range model.ConfigErrors(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config %s: %w", configPath, err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	w, closer := log.Output(config.Log)
	logCloser = closer
	slog.SetDefault(log.NewWriter(w, config.Verbose))

	slog.Debug("missionagent", "configPath", configPath)
	slog.Debug("missionagent", "config", config)
	return nil
}

// findConfig follows the --config flag, the MISSIONAGENTCONFIG variable and
// finally looks into the working and the user config directory.
func findConfig() (string, error) {
	if flagConfigFilePath != "" {
		return flagConfigFilePath, nil
	}
	if envConfig, ok := os.LookupEnv("MISSIONAGENTCONFIG"); ok && envConfig != "" {
		return envConfig, nil
	}
	for _, d := range []string{".", userConfigPath} {
		path := filepath.Join(d, model.DefaultConfigFile)
		if exists(path) {
			return path, nil
		}
	}
	return "", errors.New("no configuration found: use --config, MISSIONAGENTCONFIG or " + model.DefaultConfigFile)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
