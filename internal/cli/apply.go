package cli

import (
	"context"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/tinybase/tinybase/internal/compiler"
	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Database string
	DryRun   bool
}

// ApplyResult summarizes one apply run.
type ApplyResult struct {
	Defined   []string `json:"defined,omitempty"`
	Altered   []string `json:"altered,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <schema-file>",
		Short: "Apply a CUE schema file to the database",
		Long: `Compile a CUE schema file and reconcile the database's collections with it.

Collections missing from the database are defined; existing ones are altered
field by field to match the file. Collections absent from the file are left
alone. Relation targets must be declared before the collections that
reference them.

Example:
  tinybase apply --db ./tinybase.db ./schema.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report changes without writing them")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runApply(opts *ApplyOptions, schemaPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	defs, err := compiler.LoadFile(schemaPath)
	if err != nil {
		_ = formatter.Error("E_COMPILE", err.Error(), nil)
		return WrapExitError(ExitFailure, "schema compilation failed", err)
	}
	formatter.VerboseLog("Compiled %d collection(s) from %s", len(defs), schemaPath)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reg := registry.New(st)
	if err := reg.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load collections", err)
	}

	result := ApplyResult{}
	for _, def := range defs {
		entry, exists := reg.Lookup(def.Name)
		switch {
		case !exists:
			if !opts.DryRun {
				if _, err := reg.Define(ctx, def); err != nil {
					_ = formatter.Error("E_APPLY", fmt.Sprintf("define %s: %v", def.Name, err), nil)
					return WrapExitError(ExitFailure, "apply failed", err)
				}
			}
			result.Defined = append(result.Defined, def.Name)
			formatter.VerboseLog("defined %s", def.Name)
		default:
			diff, changed := diffDefinition(entry.Collection, def)
			if !changed {
				result.Unchanged = append(result.Unchanged, def.Name)
				continue
			}
			if !opts.DryRun {
				if _, err := reg.Alter(ctx, def.Name, diff); err != nil {
					_ = formatter.Error("E_APPLY", fmt.Sprintf("alter %s: %v", def.Name, err), nil)
					return WrapExitError(ExitFailure, "apply failed", err)
				}
			}
			result.Altered = append(result.Altered, def.Name)
			formatter.VerboseLog("altered %s (+%d -%d ~%d)",
				def.Name, len(diff.Add), len(diff.Remove), len(diff.Replace))
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "Applied %s: %d defined, %d altered, %d unchanged\n",
		schemaPath, len(result.Defined), len(result.Altered), len(result.Unchanged))
	return nil
}

// diffDefinition computes the alteration that reconciles the stored collection
// with the file's definition. Field identity is by name; a field whose shape
// differs in any way is replaced wholesale.
func diffDefinition(cur *schema.Collection, def registry.Definition) (registry.Diff, bool) {
	var diff registry.Diff

	existing := make(map[string]schema.Field, len(cur.Fields))
	for _, f := range cur.Fields {
		existing[f.Name] = f
	}
	wanted := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		wanted[f.Name] = true
		old, ok := existing[f.Name]
		switch {
		case !ok:
			diff.Add = append(diff.Add, f)
		case !reflect.DeepEqual(old, f):
			diff.Replace = append(diff.Replace, f)
		}
	}
	for _, f := range cur.Fields {
		if !wanted[f.Name] {
			diff.Remove = append(diff.Remove, f.Name)
		}
	}
	if cur.Rules != def.Rules {
		rs := def.Rules
		diff.Rules = &rs
	}

	changed := len(diff.Add)+len(diff.Remove)+len(diff.Replace) > 0 || diff.Rules != nil
	return diff, changed
}

// applyDefinitions is the embedded form of apply used at server startup:
// define what is missing, alter what drifted. Returns how many collections
// were written.
func applyDefinitions(ctx context.Context, reg *registry.Registry, defs []registry.Definition) (int, error) {
	changed := 0
	for _, def := range defs {
		entry, exists := reg.Lookup(def.Name)
		if !exists {
			if _, err := reg.Define(ctx, def); err != nil {
				return changed, fmt.Errorf("define %s: %w", def.Name, err)
			}
			changed++
			continue
		}
		diff, drifted := diffDefinition(entry.Collection, def)
		if !drifted {
			continue
		}
		if _, err := reg.Alter(ctx, def.Name, diff); err != nil {
			return changed, fmt.Errorf("alter %s: %w", def.Name, err)
		}
		changed++
	}
	return changed, nil
}
