package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/typegraph/reasoner/cmd/util"
	"github.com/typegraph/reasoner/internal/reasoner"
	"github.com/typegraph/reasoner/pkg/document"
	"github.com/typegraph/reasoner/pkg/storage/memory"
)

const fileFlag = "file"

// NewValidateCommand returns the command checking that documents hold a valid schema,
// valid rules and resolvable queries.
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate schema, rules and queries",
		Long: `Validate the schema, rules and queries held by the given documents.

Rules are checked against the schema and against each other: a rule may not depend on
itself through a negation. Queries are checked for unknown types and unbindable variables.`,
		RunE: runValidate,
		Args: cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			util.MustBindPFlag(fileFlag, cmd.Flags().Lookup(fileFlag))
		},
	}

	cmd.Flags().StringSlice(fileFlag, nil, "(required) the documents to validate, merged in order")

	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	files := viper.GetStringSlice(fileFlag)
	if len(files) == 0 {
		return errors.New("missing documents to validate")
	}

	doc, err := document.ReadFiles(files...)
	if err != nil {
		return err
	}
	schema, err := doc.TypeSystem()
	if err != nil {
		return err
	}
	rules, err := doc.LogicRules()
	if err != nil {
		return err
	}
	r, err := reasoner.New(memory.New(schema), rules)
	if err != nil {
		return err
	}

	var errs []error
	for _, q := range doc.Queries {
		disj, err := q.Disjunction()
		if err == nil {
			err = r.Validate(disj)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("query '%s': %w", q.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "valid: %d types, %d rules, %d queries\n", len(doc.Schema), len(rules), len(doc.Queries))
	return err
}
