package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	apiURL         string
	bind           string
	dataFile       string
	fetchTimeout   time.Duration
	imageCount     int
	port           int
	prefix         string
	profile        bool
	sessionTimeout time.Duration
	subsetSize     int
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
	if c.imageCount < 1 {
		return fmt.Errorf("invalid image count (must be at least 1): %d", c.imageCount)
	}
	if c.subsetSize < 2 {
		return fmt.Errorf("invalid subset size (must be at least 2): %d", c.subsetSize)
	}
	if c.fetchTimeout <= 0 {
		return fmt.Errorf("invalid fetch timeout: %s", c.fetchTimeout)
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("invalid api url %q: %w", c.apiURL, err)
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
	v.SetEnvPrefix("DUONAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "duonat",
		Short:         "A taxon-identification quiz game, served as a single webapp.",
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

	fs.StringVar(&cfg.apiURL, "api-url", "https://api.inaturalist.org/v1", "base URL of the biodiversity API (env: DUONAT_API_URL)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: DUONAT_BIND)")
	fs.StringVar(&cfg.dataFile, "data", "", "path to a taxon pair dataset file, JSON or YAML, overriding the embedded one (env: DUONAT_DATA)")
	fs.DurationVar(&cfg.fetchTimeout, "fetch-timeout", 10*time.Second, "time before an image fetch is abandoned (env: DUONAT_FETCH_TIMEOUT)")
	fs.IntVar(&cfg.imageCount, "image-count", 12, "candidate images requested per taxon (env: DUONAT_IMAGE_COUNT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: DUONAT_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: DUONAT_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: DUONAT_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: DUONAT_SESSION_TIMEOUT)")
	fs.IntVar(&cfg.subsetSize, "subset-size", 42, "maximum pairs sampled into one rotation (env: DUONAT_SUBSET_SIZE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: DUONAT_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: DUONAT_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: DUONAT_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: DUONAT_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("duonat v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
