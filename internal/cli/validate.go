package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinybase/tinybase/internal/compiler"
	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/rules"
	"github.com/tinybase/tinybase/internal/schema"
)

// ValidationIssue is one problem found in a schema file.
type ValidationIssue struct {
	Collection string `json:"collection,omitempty"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
	Line       int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-file>",
		Short: "Validate a CUE schema file without applying it",
		Long: `Compile a CUE schema file and check every collection definition and rule
expression without touching a database. Faster feedback than apply during
schema development.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, schemaPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	defs, err := compiler.LoadFile(schemaPath)
	if err != nil {
		return outputValidationIssues(formatter, []ValidationIssue{issueFrom(err)})
	}
	formatter.VerboseLog("Compiled %d collection(s)", len(defs))

	issues := validateDefinitions(defs, formatter)
	if len(issues) > 0 {
		return outputValidationIssues(formatter, issues)
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, "✓ Schema valid")
	return nil
}

// validateDefinitions runs the registry's definition checks plus rule parsing
// against the compiled file, treating the file's own collections as existing
// relation targets.
func validateDefinitions(defs []registry.Definition, formatter *OutputFormatter) []ValidationIssue {
	declared := make(map[string]bool, len(defs))
	for _, def := range defs {
		declared[def.Name] = true
	}

	var issues []ValidationIssue
	for _, def := range defs {
		formatter.VerboseLog("Validating collection: %s", def.Name)

		col := &schema.Collection{Name: def.Name, Fields: def.Fields, Rules: def.Rules}
		if err := col.CheckDefinition(func(name string) bool {
			return declared[name]
		}); err != nil {
			issue := issueFrom(err)
			issue.Collection = def.Name
			issues = append(issues, issue)
		}

		for op, src := range map[schema.Op]string{
			schema.OpView:   def.Rules.View,
			schema.OpCreate: def.Rules.Create,
			schema.OpUpdate: def.Rules.Update,
			schema.OpDelete: def.Rules.Delete,
		} {
			if src == "" {
				continue
			}
			if _, err := rules.Parse(src); err != nil {
				issues = append(issues, ValidationIssue{
					Collection: def.Name,
					Field:      "rules." + string(op),
					Message:    err.Error(),
				})
			}
		}
	}
	return issues
}

func issueFrom(err error) ValidationIssue {
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		issue := ValidationIssue{Field: ce.Field, Message: ce.Message}
		if ce.Pos.IsValid() {
			issue.Line = ce.Pos.Line()
		}
		return issue
	}
	if fe, ok := schema.AsFieldError(err); ok {
		return ValidationIssue{Field: fe.Field, Message: fe.Reason}
	}
	return ValidationIssue{Message: err.Error()}
}

func outputValidationIssues(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Issues: issues},
			Error: &CLIError{
				Code:    "E_VALIDATE",
				Message: issues[0].Message,
			},
		}
		enc := json.NewEncoder(formatter.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		loc := issue.Field
		if issue.Collection != "" && loc == "" {
			loc = issue.Collection
		}
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", loc, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(issues)))
}
