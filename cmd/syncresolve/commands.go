package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// withApp builds the app for one command run and closes it afterwards.
func withApp(flags *globalFlags, run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), flags, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, a, args)
	}
}

func newDetectCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "detect <pair.json|->",
		Short: "Report the field conflicts between two record versions",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			c, err := a.detect(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, c)
			}
			if c == nil {
				fmt.Fprintln(out, statusSuccess("no conflict"))
				return nil
			}
			fmt.Fprintf(out, "%s %s/%s v%d vs v%d\n", header("conflict"), c.Collection, c.EntityID, c.LocalVersion, c.RemoteVersion)
			for _, name := range c.FieldNames() {
				fc := c.FieldConflicts[name]
				fmt.Fprintf(out, "  %-20s %-16s local=%v remote=%v %s\n",
					name, fc.ConflictType, fc.LocalValue, fc.RemoteValue, dim(fmt.Sprintf("confidence %.2f", fc.ConfidenceScore)))
			}
			if c.RequiresManualIntervention() {
				fmt.Fprintln(out, statusWarning("manual review recommended"))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the conflict as JSON")
	return cmd
}

func newResolveCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resolve <pair.json|->",
		Short: "Detect and resolve a conflict, recording it in history",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			c, err := a.detect(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c == nil {
				fmt.Fprintln(out, statusSuccess("no conflict"))
				return nil
			}
			var res *types.Resolution
			err = a.logger.LogOperation(cmd.Context(), "resolve", "cli", func() error {
				var err error
				res, err = a.engine.Resolve(cmd.Context(), c)
				return err
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, res)
			}
			fmt.Fprintf(out, "%s %s via %s (%s, confidence %.2f)\n",
				statusSuccess("resolved"), c.ConflictID, res.Strategy, res.Mode, res.ConfidenceScore)
			for _, w := range res.Warnings {
				fmt.Fprintln(out, statusWarning(w))
			}
			return writeJSON(out, res.ResolvedData)
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full resolution as JSON")
	return cmd
}

func newPresentCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "present <pair.json|->",
		Short: "Show a conflict the way a review UI would present it",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			c, err := a.detect(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c == nil {
				fmt.Fprintln(out, statusSuccess("no conflict"))
				return nil
			}
			p, err := a.engine.PrepareConflictForUI(cmd.Context(), c)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, p)
			}
			fmt.Fprintf(out, "%s %s/%s risk %s\n", header("conflict"), p.Collection, p.EntityID, riskLabel(string(p.Summary.RiskLevel)))
			fmt.Fprintf(out, "recommended strategy %s (confidence %.2f)\n", bold(string(p.RecommendedStrategy)), p.Confidence)
			for _, f := range p.Fields {
				marker := " "
				if f.Critical {
					marker = warning("!")
				}
				fmt.Fprintf(out, "%s %-20s %-16s suggest %-12s -> %v %s\n",
					marker, f.FieldName, f.ConflictType, f.RecommendedStrategy, f.SuggestedValue, dim(f.SemanticReason))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the presentation as JSON")
	return cmd
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the resolution history",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, _ []string) error {
			st := a.engine.Statistics()
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "%s %d entries, %d resolved\n", header("history"), st.TotalEntries, st.ResolvedEntries)
			fmt.Fprintf(out, "mean confidence %.2f, manual rate %.2f\n", st.MeanConfidence, st.ManualResolutionRate)

			strategies := make([]string, 0, len(st.ByStrategy))
			for s := range st.ByStrategy {
				strategies = append(strategies, string(s))
			}
			sort.Strings(strategies)
			for _, s := range strategies {
				fmt.Fprintf(out, "  %-18s %d\n", s, st.ByStrategy[types.Strategy(s)])
			}
			for _, f := range st.TopFields {
				fmt.Fprintf(out, "  %s %s %d\n", dim("field"), f.Field, f.Count)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print statistics as JSON")
	return cmd
}
