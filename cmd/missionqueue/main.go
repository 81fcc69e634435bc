package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skyfleet/missionagent/internal/jobqueue"
	"github.com/skyfleet/missionagent/internal/log"
	"github.com/skyfleet/missionagent/internal/model"
)

var (
	config jobqueue.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagLog            string // value of --log flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "optional dotenv file, the environment overrides it")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagLog, "log", model.LogStderr, "log destination: stderr, stdout, discard or a file path")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("missionqueue failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "missionqueue",
	Short:        "Job queue for mission agents",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the operator API and the agent requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, closer := log.Output(flagLog)
		defer func() {
			_ = closer.Close()
		}()
		slog.SetDefault(log.NewWriter(w, flagVerbose))

		var err error
		config, err = jobqueue.LoadConfig(flagConfigFilePath)
		if err != nil {
			for _, d := range model.ConfigErrors(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return err
		}
		slog.Debug("missionqueue", "config", config)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = log.ContextAttrs(ctx, slog.Group("missionqueue",
			slog.String("cmd", "serve"),
			slog.Int("pid", os.Getpid()),
		))
		return jobqueue.Serve(ctx, config)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version of the missionqueue",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("missionqueue: version info not available")
			return
		}
		fmt.Printf("missionqueue: %s\n", info.Main.Version)
		fmt.Printf("go:           %s\n", info.GoVersion)
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				fmt.Printf("commit:       %s\n", s.Value)
			}
		}
	},
}
