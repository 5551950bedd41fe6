package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	config "github.com/cochaviz/zvmhelper/config"
	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/logging"
	"github.com/cochaviz/zvmhelper/internal/report"
	"github.com/cochaviz/zvmhelper/internal/setup"
	"github.com/cochaviz/zvmhelper/internal/source"
	"github.com/cochaviz/zvmhelper/internal/zvm"
)

const defaultLogLevel = "info"

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger)

	opts := &rootOptions{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:   "zvmhelper",
		Short: "Provision CoreOS onto zVM guests through their virtual reader",
		Long: heredoc.Doc(`
			zvmhelper downloads the CoreOS live kernel, initramfs and rootfs, verifies their
			checksums, generates the installer parameter file and punches everything to the
			reader of a zVM guest, ready for '#cp ipl c'.
		`),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file, YAML or TOML (default "+setup.DefaultConfigFile()+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "cli", "Log format (cli, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(opts.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		mode, err := logging.ParseMode(opts.logFormat)
		if err != nil {
			return err
		}
		*logger = *logging.New(mode, os.Stderr, levelVar)
		slog.SetDefault(logger)
		setup.SetLogger(logger)
		return nil
	}

	root.AddCommand(
		newInstallCommand(logger, opts),
		newCmdlineCommand(logger, opts),
		newReportCommand(logger, opts),
		newSetupCommand(logger, opts),
	)
	return root
}

func loadConfig(cmd *cobra.Command, opts *rootOptions, flags *targetFlags) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags != nil {
		if err := flags.apply(cmd, &cfg); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func newInstallCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	flags := &targetFlags{}

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Transfer CoreOS boot artifacts to a zVM guest's reader",
		Long: heredoc.Doc(`
			Fetch, verify and punch the live kernel, initramfs and rootfs together with a generated
			parameter file. Artifacts come from CoreOS stream metadata, a development build or
			user supplied locations.

			Exit status: 0 when every artifact was transferred, 2 when some failed, 3 when the run
			was aborted and 1 on configuration errors.
		`),
	}
	flags.register(cmd.PersistentFlags())

	cmd.AddCommand(
		newInstallStreamCommand(logger, opts, flags),
		newInstallBuildCommand(logger, opts, flags),
		newInstallLiveCommand(logger, opts, flags),
	)
	return cmd
}

func newInstallStreamCommand(logger *slog.Logger, opts *rootOptions, flags *targetFlags) *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "stream [name]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Install the latest release of a CoreOS stream",
		Example: heredoc.Doc(`
			zvmhelper install stream stable --guest LINUX01 --dasd 0.0.5000 \
			    --ignition-url http://config.example/linux01.ign
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, flags)
			if err != nil {
				return err
			}
			cfg.Images.Mode = config.ModeStream
			if len(args) == 1 {
				cfg.Images.Stream.Name = strings.TrimSpace(args[0])
			}
			if cmd.Flags().Changed("endpoint") {
				cfg.Images.Stream.Endpoint = endpoint
			}
			return runInstall(cmd, logger.With("command", "install.stream", "stream", cfg.Images.Stream.Name), cfg)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", config.DefaultStreamEndpoint, "Stream metadata endpoint")
	return cmd
}

func newInstallBuildCommand(logger *slog.Logger, opts *rootOptions, flags *targetFlags) *cobra.Command {
	var (
		url, variant, date, buildTime string
		id                            int
	)

	cmd := &cobra.Command{
		Use:   "build <version>",
		Args:  cobra.ExactArgs(1),
		Short: "Install a development build named after the builder conventions",
		Example: heredoc.Doc(`
			zvmhelper install build 39 --id 3 --url https://builder.example/builds/latest/s390x \
			    --guest LINUX01 --dasd 0.0.5000 --ignition-url http://config.example/linux01.ign
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, flags)
			if err != nil {
				return err
			}
			cfg.Images.Mode = config.ModeBuild
			cfg.Images.Build.Version = strings.TrimSpace(args[0])
			set := cmd.Flags().Changed
			if set("url") {
				cfg.Images.Build.URL = url
			}
			if set("variant") {
				v, err := source.ParseVariant(variant)
				if err != nil {
					return err
				}
				cfg.Images.Build.Variant = v
			}
			if set("date") {
				cfg.Images.Build.Date = date
			}
			if set("time") {
				cfg.Images.Build.Time = buildTime
			}
			if set("id") {
				cfg.Images.Build.ID = id
			}
			return runInstall(cmd, logger.With("command", "install.build", "version", cfg.Images.Build.Version), cfg)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Builder URL holding the artifacts (default: current directory)")
	cmd.Flags().StringVar(&variant, "variant", "fcos", "CoreOS variant (fcos, rhcos)")
	cmd.Flags().StringVar(&date, "date", "", "Build date as YYYYMMDD (default: today)")
	cmd.Flags().StringVar(&buildTime, "time", "", "Build time as HHMM, required for rhcos")
	cmd.Flags().IntVar(&id, "id", 0, "Development build id")
	return cmd
}

func newInstallLiveCommand(logger *slog.Logger, opts *rootOptions, flags *targetFlags) *cobra.Command {
	var (
		locations = map[artifacts.Kind]*string{}
		digests   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "live",
		Args:  cobra.NoArgs,
		Short: "Install from user supplied artifact locations",
		Example: heredoc.Doc(`
			zvmhelper install live --kernel https://mirror.example/kernel \
			    --initramfs /srv/initramfs.img --digest kernel=sha256:4f0c... \
			    --guest LINUX01 --scsi 0.0.1900,0x500507630400d1e3,0x4000404600000000 \
			    --ignition-url http://config.example/linux01.ign
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, flags)
			if err != nil {
				return err
			}
			cfg.Images.Mode = config.ModeLive
			if cfg.Images.Live == nil {
				cfg.Images.Live = make(map[artifacts.Kind]config.Artifact)
			}
			for kind, uri := range locations {
				if *uri == "" {
					continue
				}
				cfg.Images.Live[kind] = config.Artifact{URI: *uri, Digest: cfg.Images.Live[kind].Digest}
			}
			for name, d := range digests {
				kind, err := artifacts.ParseKind(name)
				if err != nil {
					return err
				}
				a, ok := cfg.Images.Live[kind]
				if !ok {
					return fmt.Errorf("digest given for %s, which has no location", kind)
				}
				a.Digest = d
				cfg.Images.Live[kind] = a
			}
			return runInstall(cmd, logger.With("command", "install.live"), cfg)
		},
	}
	for _, kind := range artifacts.FetchedKinds() {
		locations[kind] = cmd.Flags().String(kind.String(), "", fmt.Sprintf("Location of the %s (URL or path)", kind))
	}
	cmd.Flags().StringToStringVar(&digests, "digest", nil, "Expected digest per artifact, e.g. kernel=sha256:<hex>")
	return cmd
}

func runInstall(cmd *cobra.Command, logger *slog.Logger, cfg config.Config) error {
	logger = logger.With("guest", cfg.Zvm.Guest)
	if cfg.Zvm.Transport == zvm.Local {
		if err := setup.Verify(true, cfg.Cache.Dir); err != nil {
			logger.Warn("host verification failed", "error", err, "hint", "run 'zvmhelper setup verify' for details")
		}
	}

	set, err := config.Install(cmd.Context(), cfg, config.Environment{
		Logger: logger,
		Out:    cmd.OutOrStdout(),
	})
	if err != nil {
		logger.Error("install failed", "error", err)
		return err
	}
	if errors.Is(set.Err, context.Canceled) {
		return set.Err
	}
	if code := report.ExitCode(set.State); code != 0 {
		return &exitError{code: code, err: fmt.Errorf("run %s %s", set.ID, set.State)}
	}
	return nil
}

func newCmdlineCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	flags := &targetFlags{}

	cmd := &cobra.Command{
		Use:   "cmdline",
		Args:  cobra.NoArgs,
		Short: "Print the parameter file an install would punch",
		Example: heredoc.Doc(`
			zvmhelper cmdline --config linux01.yaml --dasd 0.0.5000
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, flags)
			if err != nil {
				return err
			}
			line, err := config.GenerateCmdline(cmd.Context(), cfg, config.Environment{Logger: logger.With("command", "cmdline")})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newReportCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect recorded runs",
	}

	var dir string
	last := &cobra.Command{
		Use:   "last",
		Args:  cobra.NoArgs,
		Short: "Show the result of the most recent install",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("dir") {
				cfg, err := loadConfig(cmd, opts, nil)
				if err != nil {
					return err
				}
				dir = cfg.Reports.Dir
			}
			set, err := config.LastReport(dir)
			if err != nil {
				return err
			}
			logger.Debug("loaded report", "run_id", set.ID, "dir", dir)
			return report.Render(cmd.OutOrStdout(), set, "")
		},
	}
	last.Flags().StringVar(&dir, "dir", setup.ReportDir(), "Directory holding run reports")

	cmd.AddCommand(last)
	return cmd
}

func newSetupCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Check and maintain the local environment",
	}

	var remote bool
	verify := &cobra.Command{
		Use:   "verify",
		Args:  cobra.NoArgs,
		Short: "Check for the s390-tools commands and writable storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup.verify")
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			tools := !remote && cfg.Zvm.Transport != zvm.SSH
			if err := setup.Verify(tools, cfg.Cache.Dir, cfg.Reports.Dir); err != nil {
				cmdLogger.Error("setup verification failed", "error", err)
				return err
			}
			cmdLogger.Info("setup verification succeeded")
			return nil
		},
	}
	verify.Flags().BoolVar(&remote, "remote", false, "Skip the host command checks, uploads go through an SSH helper guest")

	clearCache := &cobra.Command{
		Use:   "clear-cache",
		Args:  cobra.NoArgs,
		Short: "Remove every downloaded artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			if err := setup.ClearCache(cfg.Cache.Dir); err != nil {
				logger.Error("clear cache failed", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.AddCommand(verify, clearCache)
	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
