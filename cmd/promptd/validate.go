package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/registry"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a resource directory",
		Long: `Load every prompt, gate and methodology definition under dir and plan
every chain. Reports unreadable files, unknown step prompts and dependency
cycles, and exits non-zero if any are found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateDir(cmd.OutOrStdout(), args[0])
		},
	}
}

func validateDir(out io.Writer, dir string) error {
	snap, err := registry.LoadDir(dir)
	if err != nil {
		fmt.Fprintf(out, "%v\n", err)
		return fmt.Errorf("%s: definitions failed to load", dir)
	}

	problems := 0
	for _, p := range snap.Prompts() {
		if !p.IsChain() {
			continue
		}
		if _, err := chain.Plan(p.ChainSteps); err != nil {
			fmt.Fprintf(out, "%s: %v\n", p.ID, err)
			problems++
			continue
		}
		for _, step := range p.ChainSteps {
			if _, ok := snap.Prompt(step.PromptID); !ok {
				fmt.Fprintf(out, "%s: step %s references unknown prompt %q\n", p.ID, step.ID, step.PromptID)
				problems++
			}
		}
	}

	prompts, gateDefs, methodologies := snap.Counts()
	fmt.Fprintf(out, "%d prompts, %d gates, %d methodologies\n", prompts, gateDefs, methodologies)
	if problems > 0 {
		return fmt.Errorf("%s: %d problems found", dir, problems)
	}
	fmt.Fprintln(out, "OK")
	return nil
}
