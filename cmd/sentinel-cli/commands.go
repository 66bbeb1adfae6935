package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sentinel/internal/api"
	"github.com/davidahmann/sentinel/internal/decision"
	"github.com/davidahmann/sentinel/internal/health"
	"github.com/davidahmann/sentinel/internal/incident"
	"github.com/davidahmann/sentinel/internal/policy"
	"github.com/davidahmann/sentinel/pkg/types"
)

func newHealthCommand(opts *remoteOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the target's health verdict and recommended next steps",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			body, err := opts.get(cmd.Context(), "/v1/health", query)
			if err != nil {
				return err
			}
			if jsonOut {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			var report health.Report
			if err := json.Unmarshal(body, &report); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			printHealth(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 5, "Recent decisions to consider")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print raw JSON response")
	return cmd
}

func printHealth(w io.Writer, r health.Report) {
	fmt.Fprintf(w, "verdict=%s target=%s mode=%d paused=%t cooldown=%ds\n",
		r.Verdict, r.Target.Target, r.Target.Mode, r.Target.Paused, r.CooldownSeconds)
	if r.LastDecision != nil {
		fmt.Fprintf(w, "last decision: %s %s -> %s at %d\n",
			r.LastDecision.DecisionID, r.LastDecision.ActionComputed, r.LastDecision.ActionExecuted, r.LastDecision.Timestamp)
	}
	for _, reason := range r.Reasons {
		fmt.Fprintf(w, "reason: %s\n", reason)
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "next: %s\n", rec)
	}
}

func newDecisionsCommand(opts *remoteOptions) *cobra.Command {
	var (
		limit   int
		target  string
		after   string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List journal entries, newest page by default",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			query.Set("limit", strconv.Itoa(limit))
			if target != "" {
				query.Set("target", target)
			}
			if after != "" {
				query.Set("after", after)
			} else {
				query.Set("latest", "true")
			}
			body, err := opts.get(cmd.Context(), "/v1/journal", query)
			if err != nil {
				return err
			}
			if jsonOut {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			var page api.JournalPage
			if err := json.Unmarshal(body, &page); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			printDecisions(cmd.OutOrStdout(), page)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Max entries to show")
	cmd.Flags().StringVar(&target, "target", "", "Filter by target id")
	cmd.Flags().StringVar(&after, "after", "", "Page forward from a <timestamp>:<seq> cursor")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print raw JSON response")
	return cmd
}

func printDecisions(w io.Writer, page api.JournalPage) {
	if len(page.Entries) == 0 {
		fmt.Fprintln(w, "No decisions recorded yet.")
		return
	}
	for _, e := range page.Entries {
		executed := string(e.ActionExecuted)
		if e.ShadowAction != "" {
			executed += " (shadow " + string(e.ShadowAction) + ")"
		}
		status := "ok"
		if !e.Success {
			status = "journal-failed"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s -> %s\t%s\t%s\n",
			e.Timestamp, e.EntryID, e.DecisionID, e.Signal.Value, e.ActionComputed, executed, status, e.Reason)
	}
	if page.Next != "" {
		fmt.Fprintf(w, "next: --after %s\n", page.Next)
	}
}

func newVerifyCommand(opts *remoteOptions) *cobra.Command {
	var (
		entryID  string
		target   string
		policyID string
		value    int64
		action   string
		ts       int64
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "verify-id [decision_id]",
		Short: "Recompute a decision id locally or for a stored journal entry",
		Long: "With --entry the gateway recomputes the id of a stored journal entry. " +
			"Otherwise the id given as argument is recomputed locally from --target, --policy-id, --value, --action and --timestamp.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res api.VerifyResult
			if entryID != "" {
				if len(args) != 0 {
					return fmt.Errorf("%w: verify-id --entry takes no arguments", errUsage)
				}
				body, err := opts.get(cmd.Context(), "/v1/verify", url.Values{"entry_id": {entryID}})
				if err != nil {
					return err
				}
				if err := json.Unmarshal(body, &res); err != nil {
					return fmt.Errorf("invalid response: %w", err)
				}
			} else {
				if len(args) != 1 {
					return fmt.Errorf("%w: verify-id requires <decision_id> or --entry", errUsage)
				}
				if !types.Action(action).Valid() {
					return fmt.Errorf("%w: --action must be NO_ACTION, SET_RISK_MODE or PAUSE", errUsage)
				}
				var err error
				res, err = api.Verify(args[0], decision.Inputs{
					Target:    target,
					PolicyID:  policyID,
					Value:     value,
					Action:    types.Action(action),
					Timestamp: ts,
				})
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := json.NewEncoder(out).Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "valid=%t decision_id=%s expected=%s\n", res.Valid, res.DecisionID, res.Expected)
				fmt.Fprintf(out, "canonical=%s\n", res.Canonical)
				fmt.Fprintf(out, "digest=%s\n", res.Digest)
			}
			if !res.Valid {
				return fmt.Errorf("decision id mismatch")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&entryID, "entry", "", "Verify a stored journal entry by id")
	cmd.Flags().StringVar(&target, "target", "", "Target id")
	cmd.Flags().StringVar(&policyID, "policy-id", "", "Policy id")
	cmd.Flags().Int64Var(&value, "value", 0, "Signal value")
	cmd.Flags().StringVar(&action, "action", "", "Computed action")
	cmd.Flags().Int64Var(&ts, "timestamp", 0, "Evaluation timestamp (unix seconds)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON result")
	return cmd
}

func newExportCommand(opts *remoteOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <entry_id>",
		Short: "Download the incident bundle for a journal entry",
		Args:  exactArgs(1, "<entry_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID := args[0]
			body, err := opts.get(cmd.Context(), "/v1/incidents/"+url.PathEscape(entryID), nil)
			if err != nil {
				return err
			}

			var bundle types.IncidentBundle
			if err := json.Unmarshal(body, &bundle); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			valid, err := incident.Verify(bundle)
			if err != nil {
				return err
			}

			path := outPath
			if path == "" {
				path = incident.SafeFileName(bundle.DecisionID) + ".json"
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("output dir: %w", err)
				}
			}
			if err := os.WriteFile(path, body, 0o600); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s bundle_digest=%s digest_valid=%t\n", path, bundle.BundleDigest, valid)
			if !valid {
				return fmt.Errorf("bundle digest mismatch")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Output path (default <decision_id>.json)")
	return cmd
}

func newPolicyCommand() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy file tools",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unknown policy command %q", errUsage, args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errUsage
		},
	}

	policyCmd.AddCommand(&cobra.Command{
		Use:   "lint <policy_path>",
		Short: "Validate a policy file and print its hash",
		Args:  exactArgs(1, "<policy_path>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.LoadPolicy(args[0])
			if err != nil {
				return err
			}
			p := loaded.Policy
			fmt.Fprintf(cmd.OutOrStdout(), "ok policy_id=%s policy_version=%s policy_hash=%s\n", p.PolicyID, p.PolicyVersion, loaded.Hash)
			fmt.Fprintf(cmd.OutOrStdout(), "signal_type=%s risk=%d pause=%d cooldown=%ds\n",
				p.Signal(), p.Thresholds.RiskBps, p.Thresholds.PauseBps, p.CooldownSeconds)
			return nil
		},
	})
	return policyCmd
}
