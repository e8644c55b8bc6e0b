package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	gracePeriod    time.Duration
	imageDir       string
	port           int
	prefix         string
	profile        bool
	rescanInterval time.Duration
	sessionTimeout time.Duration
	sweepInterval  time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.imageDir == "" {
		return errors.New("--image-dir must not be empty")
	}
	if c.gracePeriod <= 0 {
		return fmt.Errorf("invalid grace period: %v", c.gracePeriod)
	}
	if c.sweepInterval <= 0 {
		return fmt.Errorf("invalid sweep interval: %v", c.sweepInterval)
	}
	if c.rescanInterval <= 0 {
		return fmt.Errorf("invalid rescan interval: %v", c.rescanInterval)
	}
	if c.sessionTimeout <= 0 {
		return fmt.Errorf("invalid session timeout: %v", c.sessionTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PARTYVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "partyvote",
		Short:         "A real-time image voting party game, playable from any browser.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: PARTYVOTE_BIND)")
	fs.DurationVar(&cfg.gracePeriod, "grace-period", 5*time.Minute, "time before disconnected players are dropped from their lobby (env: PARTYVOTE_GRACE_PERIOD)")
	fs.StringVar(&cfg.imageDir, "image-dir", "./images", "directory of images to vote on (env: PARTYVOTE_IMAGE_DIR)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: PARTYVOTE_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: PARTYVOTE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: PARTYVOTE_PROFILE)")
	fs.DurationVar(&cfg.rescanInterval, "rescan-interval", 5*time.Minute, "how often the image directory is rescanned (env: PARTYVOTE_RESCAN_INTERVAL)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: PARTYVOTE_SESSION_TIMEOUT)")
	fs.DurationVar(&cfg.sweepInterval, "sweep-interval", time.Minute, "how often disconnected players and idle sessions are swept (env: PARTYVOTE_SWEEP_INTERVAL)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: PARTYVOTE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: PARTYVOTE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: PARTYVOTE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: PARTYVOTE_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("partyvote v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
