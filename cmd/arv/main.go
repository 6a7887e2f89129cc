// Package main is arv, the agent-side CLI for the ai-review orchestrator.
// Every verb is a thin wrapper over one REST call; the engine lives entirely
// server-side.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, ee.msg)
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitClient)
	}
}

func newRootCmd() *cobra.Command {
	c := newClient()

	root := &cobra.Command{
		Use:           "arv",
		Short:         "Agent-side client for the ai-review orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		sessionFlag string
		modelFlag   string
	)
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session ID (default $ARV_SESSION)")
	root.PersistentFlags().StringVar(&modelFlag, "model", "", "claimed model ID (default $ARV_MODEL)")

	// report: raise one issue.
	var (
		title, severity, file, description, suggestion string
		line, lineStart, lineEnd                       int
	)
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Report one issue found during review",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := c.requireSession(sessionFlag)
			if err != nil {
				return err
			}
			model, err := c.requireModel(modelFlag)
			if err != nil {
				return err
			}
			body := map[string]any{
				"model_id":    model,
				"title":       title,
				"severity":    severity,
				"file":        file,
				"description": description,
				"suggestion":  suggestion,
			}
			if line > 0 {
				body["line"] = line
			}
			if lineStart > 0 {
				body["line_start"] = lineStart
			}
			if lineEnd > 0 {
				body["line_end"] = lineEnd
			}
			return c.do("POST", "/api/sessions/"+sid+"/report", body)
		},
	}
	reportCmd.Flags().StringVar(&title, "title", "", "issue title")
	reportCmd.Flags().StringVar(&severity, "severity", "", "critical|high|medium|low")
	reportCmd.Flags().StringVar(&file, "file", "", "file path")
	reportCmd.Flags().StringVar(&description, "description", "", "issue description")
	reportCmd.Flags().StringVar(&suggestion, "suggestion", "", "suggested fix")
	reportCmd.Flags().IntVar(&line, "line", 0, "single line number")
	reportCmd.Flags().IntVar(&lineStart, "line-start", 0, "range start")
	reportCmd.Flags().IntVar(&lineEnd, "line-end", 0, "range end")

	// summary: complete the review round.
	var summaryText string
	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Submit the round summary, completing this review",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := c.requireSession(sessionFlag)
			if err != nil {
				return err
			}
			model, err := c.requireModel(modelFlag)
			if err != nil {
				return err
			}
			return c.do("POST", "/api/sessions/"+sid+"/summary", map[string]any{
				"model_id": model,
				"summary":  summaryText,
			})
		},
	}
	summaryCmd.Flags().StringVar(&summaryText, "text", "", "overall assessment")

	// opinion: vote on an issue.
	var (
		issueID, action, reasoning, suggested string
		confidence                            float64
	)
	opinionCmd := &cobra.Command{
		Use:   "opinion",
		Short: "Submit an opinion on an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := c.requireModel(modelFlag)
			if err != nil {
				return err
			}
			body := map[string]any{
				"model_id":  model,
				"action":    action,
				"reasoning": reasoning,
			}
			if suggested != "" {
				body["suggested_severity"] = suggested
			}
			if cmd.Flags().Changed("confidence") {
				body["confidence"] = confidence
			}
			return c.do("POST", "/api/issues/"+issueID+"/opinions", body)
		},
	}
	opinionCmd.Flags().StringVar(&issueID, "issue", "", "issue ID")
	opinionCmd.Flags().StringVar(&action, "action", "", "fix_required|no_fix|false_positive|withdraw|comment")
	opinionCmd.Flags().StringVar(&reasoning, "reasoning", "", "analysis")
	opinionCmd.Flags().StringVar(&suggested, "severity", "", "suggested severity")
	opinionCmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence in [0,1]")

	// respond: verification verdict.
	var respondAction, respondReasoning, respondIssue string
	respondCmd := &cobra.Command{
		Use:   "respond",
		Short: "Respond to a fix during verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do("POST", "/api/issues/"+respondIssue+"/respond", map[string]any{
				"action":    respondAction,
				"reasoning": respondReasoning,
			})
		},
	}
	respondCmd.Flags().StringVar(&respondIssue, "issue", "", "issue ID")
	respondCmd.Flags().StringVar(&respondAction, "action", "", "accept|dispute|partial")
	respondCmd.Flags().StringVar(&respondReasoning, "reasoning", "", "verdict reasoning")

	// status: change an issue's progress status.
	var statusValue, statusReasoning, statusIssue string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Update an issue's progress status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do("POST", "/api/issues/"+statusIssue+"/status", map[string]any{
				"status":    statusValue,
				"reasoning": statusReasoning,
			})
		},
	}
	statusCmd.Flags().StringVar(&statusIssue, "issue", "", "issue ID")
	statusCmd.Flags().StringVar(&statusValue, "value", "", "fixed|wont_fix")
	statusCmd.Flags().StringVar(&statusReasoning, "reasoning", "", "reasoning")

	// dismiss an issue during fixing.
	var dismissIssue, dismissReasoning string
	dismissCmd := &cobra.Command{
		Use:   "dismiss",
		Short: "Dismiss a fix_required issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do("POST", "/api/issues/"+dismissIssue+"/dismiss", map[string]any{
				"reasoning": dismissReasoning,
			})
		},
	}
	dismissCmd.Flags().StringVar(&dismissIssue, "issue", "", "issue ID")
	dismissCmd.Flags().StringVar(&dismissReasoning, "reasoning", "", "reasoning")

	// pending: issues awaiting this model's opinion.
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List issues still awaiting your opinion",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := c.requireSession(sessionFlag)
			if err != nil {
				return err
			}
			model, err := c.requireModel(modelFlag)
			if err != nil {
				return err
			}
			return c.do("GET", "/api/sessions/"+sid+"/pending?model_id="+model, nil)
		},
	}

	// session-status: rollup query.
	sessionStatusCmd := &cobra.Command{
		Use:   "session-status",
		Short: "Show the session rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := c.requireSession(sessionFlag)
			if err != nil {
				return err
			}
			return c.do("GET", "/api/sessions/"+sid+"/status", nil)
		},
	}

	// activity: report a tool activity event.
	var activityAction, activityTarget string
	activityCmd := &cobra.Command{
		Use:   "activity",
		Short: "Report an activity event (file read, search)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := c.requireSession(sessionFlag)
			if err != nil {
				return err
			}
			model, err := c.requireModel(modelFlag)
			if err != nil {
				return err
			}
			return c.do("POST", "/api/sessions/"+sid+"/activity", map[string]any{
				"model_id": model,
				"action":   activityAction,
				"target":   activityTarget,
			})
		},
	}
	activityCmd.Flags().StringVar(&activityAction, "action", "", "activity kind")
	activityCmd.Flags().StringVar(&activityTarget, "target", "", "activity target")

	// delta: verification context.
	deltaCmd := &cobra.Command{
		Use:   "delta",
		Short: "Show the delta diff context for verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := c.requireSession(sessionFlag)
			if err != nil {
				return err
			}
			return c.do("GET", "/api/sessions/"+sid+"/delta", nil)
		},
	}

	root.AddCommand(reportCmd, summaryCmd, opinionCmd, respondCmd, statusCmd,
		dismissCmd, pendingCmd, sessionStatusCmd, activityCmd, deltaCmd)
	return root
}
