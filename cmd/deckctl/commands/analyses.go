package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/deckflow/backend/internal/models"
	"github.com/deckflow/backend/internal/stream"
	"github.com/spf13/cobra"
)

var (
	submitDocument string
	submitKey      string
	submitQuiet    bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a pitch deck (PDF or image)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := newClient().Upload(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Document: %s\n", doc.ID)
		fmt.Fprintf(out, "  File:   %s (%s, %d bytes)\n", doc.Filename, doc.ContentType, doc.SizeBytes)
		if doc.PageCount > 0 {
			fmt.Fprintf(out, "  Pages:  %d\n", doc.PageCount)
		}
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start an analysis and print the memo as it streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		if submitDocument == "" || submitKey == "" {
			return fmt.Errorf("--document and --key are required")
		}
		return runSubmit(cmd.Context(), newClient(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-key>",
	Short: "Show the latest analysis for a job key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newClient().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printAnalysis(cmd.OutOrStdout(), a)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-key>",
	Short: "Follow state changes of an analysis until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return newClient().Watch(cmd.Context(), args[0], func(a models.Analysis) {
			fmt.Fprintf(out, "%-13s %3d%%  %s\n", a.Status, a.ProgressPercent, a.CurrentStep)
		})
	},
}

var stepsCmd = &cobra.Command{
	Use:   "steps <job-key>",
	Short: "List the step log of an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := newClient().Steps(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSteps(cmd.OutOrStdout(), steps)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitDocument, "document", "d", "", "document ID")
	submitCmd.Flags().StringVarP(&submitKey, "key", "k", "", "caller-chosen job key")
	submitCmd.Flags().BoolVarP(&submitQuiet, "quiet", "q", false, "print only the memo text")

	rootCmd.AddCommand(uploadCmd, submitCmd, statusCmd, watchCmd, stepsCmd)
}

func runSubmit(ctx context.Context, client *apiClient, out, errOut io.Writer) error {
	analysisID, err := client.Submit(ctx, submitDocument, submitKey, func(ev stream.Event) {
		switch ev.Type {
		case stream.EventText:
			fmt.Fprint(out, ev.Body)
		case stream.EventMessage:
			if !submitQuiet {
				fmt.Fprintf(errOut, "[%s]\n", ev.Body)
			}
		case stream.EventError:
			fmt.Fprintf(errOut, "error: %s\n", ev.Body)
		}
	})
	fmt.Fprintln(out)
	if !submitQuiet && analysisID != "" {
		fmt.Fprintf(errOut, "analysis %s\n", analysisID)
	}
	return err
}

func printAnalysis(out io.Writer, a *models.Analysis) {
	fmt.Fprintf(out, "Analysis: %s\n", a.ID)
	fmt.Fprintf(out, "  Job key:  %s\n", a.JobKey)
	fmt.Fprintf(out, "  Document: %s\n", a.DocumentID)
	fmt.Fprintf(out, "  Status:   %s (%d%%)\n", a.Status, a.ProgressPercent)
	if a.CurrentStep != "" {
		fmt.Fprintf(out, "  Step:     %s\n", a.CurrentStep)
	}
	if a.ErrorMessage != nil {
		fmt.Fprintf(out, "  Error:    %s\n", *a.ErrorMessage)
	}
	if facts, err := a.DecodeQuickFacts(); err == nil && facts != nil {
		fmt.Fprintf(out, "  Company:  %s\n", facts.CompanyName)
		if facts.Sector != "" {
			fmt.Fprintf(out, "  Sector:   %s\n", facts.Sector)
		}
		if len(facts.Founders) > 0 {
			fmt.Fprintf(out, "  Founders: %s\n", strings.Join(facts.Founders, ", "))
		}
	}
	if memo, err := a.DecodeResult(); err == nil && memo != nil {
		fmt.Fprintf(out, "\n%s\n", memo.Text)
	}
}

func printSteps(out io.Writer, steps []models.WorkflowStepLog) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tATTEMPT\tSTATUS\tDURATION\tERROR")
	for _, s := range steps {
		duration := "-"
		if s.DurationMs != nil {
			duration = (time.Duration(*s.DurationMs) * time.Millisecond).String()
		}
		errMsg := ""
		if s.ErrorMessage != nil {
			errMsg = *s.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.StepName, s.Attempt, s.Status, duration, errMsg)
	}
	tw.Flush()
}
