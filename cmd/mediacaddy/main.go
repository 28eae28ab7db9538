package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/mediacaddy/pkg/blob"
	"github.com/jacktea/mediacaddy/pkg/demux"
	"github.com/jacktea/mediacaddy/pkg/gc"
	"github.com/jacktea/mediacaddy/pkg/media"
	"github.com/jacktea/mediacaddy/pkg/meta"
	"github.com/jacktea/mediacaddy/pkg/metrics"
	"github.com/jacktea/mediacaddy/pkg/server/httpapi"
)

type app struct {
	ctx     context.Context
	cfg     Config
	log     *zap.Logger
	store   *blob.PathStore
	cleanup []func()
}

func (a *app) setup() error {
	if a.store != nil {
		return nil
	}
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	store, err := blob.NewPathStore(cfg.Root, blob.PathStoreOptions{Logger: log.Named("blob")})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a.ctx = ctx
	a.cfg = cfg
	a.log = log
	a.store = store
	a.cleanup = append(a.cleanup, stop, func() { _ = log.Sync() })
	return nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// prober returns the container prober when the native backend is built in
// and probing is enabled.
func (a *app) prober() *demux.Prober {
	if !a.cfg.Media.probe() || !demux.Supported() {
		return nil
	}
	return &demux.Prober{Options: demux.Options{
		ProbeSize: a.cfg.Media.ProbeSize,
		Logger:    a.log.Named("demux"),
	}}
}

func (a *app) inspector() *meta.Inspector {
	opts := meta.Options{
		CacheEntries: a.cfg.Meta.CacheEntries,
		CacheTTL:     a.cfg.Meta.CacheTTL,
		Logger:       a.log.Named("meta"),
	}
	if p := a.prober(); p != nil {
		opts.Prober = p
	}
	return meta.NewInspector(a.store, opts)
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "mediacaddy",
		Short:         "Validated media blob store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.setup()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mediacaddy")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mediacaddy"))
		}
	}
	viper.SetEnvPrefix("MEDIACADDY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")
	flags.String("root", ".mediacaddy/blobs", "blob storage root")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-encoding", "json", "log encoding: json|console")
	flags.Bool("normalize-images", true, "re-encode uploaded images to WebP")
	flags.Bool("probe-video", true, "open uploaded videos with the native demuxer")
	flags.Int64("probe-size", demux.DefaultProbeSize, "bytes the demuxer may read while probing")

	bindConfig("root", flags.Lookup("root"))
	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.encoding", flags.Lookup("log-encoding"))
	bindConfig("media.normalize_images", flags.Lookup("normalize-images"))
	bindConfig("media.probe_video", flags.Lookup("probe-video"))
	bindConfig("media.probe_size", flags.Lookup("probe-size"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newRmCmd(),
		newStatCmd(),
		newProbeCmd(),
		newSweepCmd(),
	)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve uploads and downloads over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(application)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Int64("max-upload-bytes", httpapi.DefaultMaxUploadBytes, "largest accepted request body")
	cmd.Flags().Duration("shutdown-timeout", 0, "grace period for in-flight requests (0 uses the default)")
	cmd.Flags().Int("meta-cache-entries", 0, "metadata records kept in memory (0 uses the default)")
	cmd.Flags().Duration("meta-cache-ttl", 0, "lifetime of cached metadata records (0 uses the default)")
	cmd.Flags().Duration("sweep-interval", 0, "period between temp file sweeps (0 uses the default)")
	bindConfig("http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("http.max_upload_bytes", cmd.Flags().Lookup("max-upload-bytes"))
	bindConfig("http.shutdown_timeout", cmd.Flags().Lookup("shutdown-timeout"))
	bindConfig("meta.cache_entries", cmd.Flags().Lookup("meta-cache-entries"))
	bindConfig("meta.cache_ttl", cmd.Flags().Lookup("meta-cache-ttl"))
	bindConfig("sweep.interval", cmd.Flags().Lookup("sweep-interval"))
	return cmd
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>",
		Short: "Validate and store a media file (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPut(application.ctx, application.store, args[0], application.cfg.Media.normalize(), cmd.OutOrStdout())
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Write a stored blob to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGet(application.ctx, application.store, blob.ID(args[0]), cmd.OutOrStdout())
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a stored blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.store.Delete(application.ctx, blob.ID(args[0]))
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <id>",
		Short: "Print format, size and digest of a stored blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inspector := application.inspector()
			defer inspector.Close()
			rec, err := inspector.Describe(application.ctx, blob.ID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Describe the streams of a local media file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doProbe(application.ctx, application.cfg.Media.ProbeSize, application.log, args[0], cmd.OutOrStdout())
		},
	}
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove temp files left by interrupted uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{
				Root:   application.store.Root(),
				MaxAge: application.cfg.Sweep.MaxAge,
				Logger: application.log.Named("gc"),
			})
			n, err := sweeper.Sweep(application.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep removed %d temp files\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("max-age", gc.DefaultMaxAge, "minimum age of a temp file before removal")
	bindConfig("sweep.max_age", cmd.Flags().Lookup("max-age"))
	return cmd
}

func runServe(a *app) error {
	inspector := a.inspector()
	defer inspector.Close()
	m := metrics.New()

	sweeper := gc.NewSweeper(gc.Options{
		Root:    a.store.Root(),
		MaxAge:  a.cfg.Sweep.MaxAge,
		Logger:  a.log.Named("gc"),
		Metrics: m,
	})
	if a.cfg.Sweep.Interval > 0 {
		stop := sweeper.Start(a.ctx, a.cfg.Sweep.Interval)
		defer stop()
	}

	srv := &httpapi.Server{
		Store:     a.store,
		Inspector: inspector,
		Metrics:   m,
		Log:       a.log.Named("http"),
		Opts: httpapi.Options{
			MaxUploadBytes:  a.cfg.HTTP.MaxUploadBytes,
			NormalizeImages: a.cfg.Media.normalize(),
			ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
		},
	}
	if p := a.prober(); p != nil {
		srv.Prober = p
	} else if a.cfg.Media.probe() {
		a.log.Warn("native demuxer not built in, videos are stored unprobed")
	}
	return srv.Start(a.ctx, a.cfg.HTTP.Addr)
}

type putResult struct {
	ID     blob.ID `json:"id"`
	Format string  `json:"format"`
	Size   int64   `json:"size"`
}

// doPut stores the file at path after validating its format. Images are
// re-encoded to WebP when normalize is set.
func doPut(ctx context.Context, store blob.Store, path string, normalize bool, out io.Writer) error {
	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	format, body, err := media.Sniff(src)
	if err != nil {
		return err
	}
	if format.IsImage() && normalize {
		var buf bytes.Buffer
		if err := media.ToWebP(&buf, body, format); err != nil {
			return err
		}
		format, body = media.WEBP, &buf
	}
	id, size, err := store.Put(ctx, body)
	if err != nil {
		return err
	}
	return printJSON(out, putResult{ID: id, Format: format.String(), Size: size})
}

func doGet(ctx context.Context, store blob.Store, id blob.ID, out io.Writer) error {
	rc, _, err := store.Read(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(out, rc)
	return err
}

func doProbe(ctx context.Context, probeSize int64, log *zap.Logger, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	prober := &demux.Prober{Options: demux.Options{ProbeSize: probeSize, Logger: log}}
	info, err := prober.Probe(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(out, info)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
