package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the manual identity review queue",
}

// -- review list --

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review cases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		rs := model.ResolutionStatus(status)
		if rs != "" && !rs.Valid() {
			return eris.Errorf("--status must be pending or resolved, got %q", status)
		}

		cases, err := env.Reviews.List(ctx, rs, limit)
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(cases) == 0 {
			fmt.Fprintln(os.Stderr, "No review cases found.")
			return nil
		}
		formatReviewList(os.Stdout, cases)
		return nil
	},
}

// -- review show --

var reviewShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show a review case and its candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		rc, err := env.Reviews.Get(ctx, args[0])
		if err != nil {
			return err
		}
		formatReviewCase(os.Stdout, rc)
		return nil
	},
}

// -- review resolve --

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <case-id> <candidate-ref|new>",
	Short: "Resolve a review case by picking a candidate",
	Long:  "Links the case's record to the chosen candidate. Pass \"new\" to create a new entity from the record's organization name.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		ent, err := env.Reviews.Resolve(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Case %s resolved to %s (%s), %d linked records.\n",
			shortID(args[0]), ent.Name, ent.ID, ent.RecordCount)
		return nil
	},
}

func formatReviewList(w io.Writer, cases []model.ReviewCase) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECORD\tORGANIZATION\tCANDIDATES\tBEST\tSTATUS\tCREATED AT")
	for _, rc := range cases {
		best := ""
		if len(rc.Candidates) > 0 {
			best = fmt.Sprintf("%.2f", rc.Candidates[0].Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rc.ID, rc.RecordKey, rc.OrganizationName, len(rc.Candidates), best, rc.Status,
			rc.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush()
}

func formatReviewCase(w io.Writer, rc *model.ReviewCase) {
	fmt.Fprintf(w, "Case:          %s\n", rc.ID)
	fmt.Fprintf(w, "Record:        %s\n", rc.RecordKey)
	fmt.Fprintf(w, "Organization:  %s\n", rc.OrganizationName)
	fmt.Fprintf(w, "Status:        %s\n", rc.Status)
	if rc.ResolvedEntityID != "" {
		fmt.Fprintf(w, "Resolved to:   %s\n", rc.ResolvedEntityID)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REF\tNAME\tSOURCE\tSCORE\tLINKED")
	for _, c := range rc.Candidates {
		origin := "local"
		if c.External() {
			origin = c.Registry
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\n", c.Ref(), c.Name, origin, c.Score, c.LinkedRecords)
	}
	fmt.Fprintf(tw, "%s\t%s\t\t\t\n", review.NewEntityRef, "(create a new entity)")
	tw.Flush()
}

func init() {
	reviewListCmd.Flags().String("status", string(model.ResolutionPending), "pending or resolved, empty for all")
	reviewListCmd.Flags().Int("limit", 50, "maximum cases to list")

	reviewCmd.AddCommand(reviewListCmd, reviewShowCmd, reviewResolveCmd)
	rootCmd.AddCommand(reviewCmd)
}
