package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/lattice/cascade"
	"github.com/jacentio/lattice/internal/backend"
	"github.com/jacentio/lattice/manager"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

type viewOutput struct {
	Ref          string              `json:"ref"`
	Deleted      bool                `json:"deleted,omitempty"`
	Version      int64               `json:"version,omitempty"`
	Fields       map[string]any      `json:"fields,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Associations map[string][]string `json:"associations,omitempty"`
}

func toViewOutput(v *manager.View) viewOutput {
	out := viewOutput{
		Ref:       v.Record.Ref.String(),
		Version:   v.Record.Version,
		Fields:    v.Record.Fields,
		CreatedAt: v.Record.CreatedAt,
		UpdatedAt: v.Record.UpdatedAt,
	}
	if len(v.Associations) > 0 {
		out.Associations = make(map[string][]string, len(v.Associations))
		for role, refs := range v.Associations {
			out.Associations[role] = refStrings(refs)
		}
	}
	return out
}

type reportOutput struct {
	Target        string   `json:"target"`
	Deleted       []string `json:"deleted"`
	Nulled        []string `json:"nulled"`
	UnlinkedEdges int      `json:"unlinked_edges"`
}

func toReportOutput(r *cascade.Report) reportOutput {
	return reportOutput{
		Target:        r.Target.String(),
		Deleted:       refStrings(r.Deleted),
		Nulled:        refStrings(r.Nulled),
		UnlinkedEdges: r.UnlinkedEdges,
	}
}

// ownerOutput reports owner as deleted when an operation removed it.
func ownerOutput(owner store.Ref, v *manager.View) viewOutput {
	if v == nil {
		return viewOutput{Ref: owner.String(), Deleted: true}
	}
	return toViewOutput(v)
}

func refStrings(refs []store.Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

func newDescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [relationship]",
		Short: "Show registered relationships",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.loadRegistry()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				data, err := reg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			d, err := reg.Describe(args[0])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(relation.File{Version: 1, Relationships: []relation.Descriptor{d}})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "create <type> [field=value...]",
		Short:   "Create an entity",
		Example: "  lattice create player name=ana rating=1500",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			view, err := m.Create(cmd.Context(), args[0], fields)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toViewOutput(view))
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type#id>",
		Short: "Show an entity with its associations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := store.ParseRef(args[0])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			view, err := m.Get(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toViewOutput(view))
		},
	}
}

func newPatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "patch <type#id> field=value...",
		Short:   "Change allow-listed fields of an entity",
		Long:    "Change allow-listed fields of an entity. A value of null removes the field.",
		Example: "  lattice --patch-schema patch.yaml patch 'player#1' rating=1620",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := store.ParseRef(args[0])
			if err != nil {
				return err
			}
			changes, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			view, err := m.Patch(cmd.Context(), ref, changes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toViewOutput(view))
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type#id>",
		Short: "Delete an entity applying delete policies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := store.ParseRef(args[0])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			report, err := m.Delete(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toReportOutput(report))
		},
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <type#id>",
		Short: "Clean up the links of an entity that is already gone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := store.ParseRef(args[0])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			report, err := m.Cascader().Purge(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toReportOutput(report))
		},
	}
}

func newExpireCmd(a *app) *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "expire <type#id>",
		Short: "Schedule an entity for removal by DynamoDB TTL",
		Long: `Schedule an entity for removal by DynamoDB TTL. The stream handler
purges its links once DynamoDB removes the item.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := store.ParseRef(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			exp, ok := s.(backend.Expirer)
			if !ok {
				return fmt.Errorf("%w: the %s store does not support expiry", store.ErrConfiguration, a.cfg.Store.Backend)
			}
			at := time.Now().Add(after)
			if err := exp.Expire(cmd.Context(), ref, at); err != nil {
				return err
			}
			a.logger.Info("scheduled expiry", "entity", ref.String(), "at", at.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&after, "after", 0, "delay before the entity expires")
	return cmd
}
