package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacentio/lattice/internal/backend"
	"github.com/jacentio/lattice/internal/config"
	"github.com/jacentio/lattice/internal/logging"
	"github.com/jacentio/lattice/internal/metrics"
	"github.com/jacentio/lattice/manager"
	"github.com/jacentio/lattice/patch"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

// app holds what a command needs. Everything past the config is opened on
// first use so that commands such as describe never touch the store.
type app struct {
	v          *viper.Viper
	configFile string
	showStats  bool

	reg     *prometheus.Registry
	metrics *metrics.Recorder

	cfg      *config.Config
	logger   *slog.Logger
	registry *relation.Registry
	store    store.Store
	manager  *manager.Manager
}

func newApp(reg *prometheus.Registry) *app {
	return &app{v: viper.New(), reg: reg, metrics: metrics.New(reg)}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lattice",
		Short: "Relationship-aware entity store",
		Long: `lattice keeps both sides of every registered relationship consistent
and applies delete policies (CASCADE, SET_NULL, ORPHAN_REMOVE, RESTRICT)
when entities are removed.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("registry", "", "relationship registry file")
	flags.String("patch-schema", "", "patch allow-list file")
	flags.String("store", "", "store backend (memory, sqlite, postgres, dynamodb)")
	flags.String("dsn", "", "sqlite path or postgres connection string")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&a.showStats, "metrics", false, "print operation metrics to stderr on exit")

	for key, flag := range map[string]string{
		"registry":      "registry",
		"patch_schema":  "patch-schema",
		"store.backend": "store",
		"store.dsn":     "dsn",
		"log.level":     "log-level",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind --%s to %s: %v", flag, key, err))
		}
	}

	root.AddCommand(
		newDescribeCmd(a),
		newCreateCmd(a),
		newGetCmd(a),
		newPatchCmd(a),
		newDeleteCmd(a),
		newPurgeCmd(a),
		newExpireCmd(a),
		newLinkCmd(a),
		newUnlinkCmd(a),
		newReplaceCmd(a),
		newMigrateCmd(a),
		newTablesCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := config.InitConfig(a.v, a.configFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.Setup(cfg.Log.Level)
	return nil
}

// close releases the store and, with --metrics, prints what was recorded.
func (a *app) close(w io.Writer) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.showStats {
		errs = append(errs, a.writeMetrics(w))
	}
	return errors.Join(errs...)
}

func (a *app) writeMetrics(w io.Writer) error {
	families, err := a.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) loadRegistry() (*relation.Registry, error) {
	if a.registry == nil {
		reg, err := relation.LoadFile(a.cfg.Registry)
		if err != nil {
			return nil, err
		}
		a.registry = reg
	}
	return a.registry, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if a.store == nil {
		s, err := backend.Open(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.logger.Debug("opened store", "backend", a.cfg.Store.Backend)
	}
	return a.store, nil
}

func (a *app) openManager(ctx context.Context) (*manager.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	reg, err := a.loadRegistry()
	if err != nil {
		return nil, err
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := []manager.Option{
		manager.WithLogger(a.logger),
		manager.WithMetrics(a.metrics),
	}
	if a.cfg.PatchSchema != "" {
		schema, err := patch.LoadSchema(a.cfg.PatchSchema)
		if err != nil {
			return nil, err
		}
		opts = append(opts, manager.WithPatchSchema(schema))
	}
	a.manager = manager.New(s, reg, opts...)
	return a.manager, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseAssignments turns key=value arguments into a map. Values are decoded
// as JSON when possible and kept as strings otherwise, so rating=1500 is a
// number, note=null is nil and name=ana is a string.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := sonic.UnmarshalString(raw, &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func parseRefs(args []string) ([]store.Ref, error) {
	refs := make([]store.Ref, 0, len(args))
	for _, arg := range args {
		ref, err := store.ParseRef(arg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
