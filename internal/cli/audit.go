package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var (
	auditSince    string
	auditUntil    string
	auditCategory string
	auditTypes    []string
	auditActor    string
	auditLimit    int
	auditFrom     int64
	auditTo       int64
	auditBefore   string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the coordination audit ledger",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List audit events",
	Long: `List audit events in chain order.

--since, --until and --before accept an RFC 3339 timestamp or a duration
relative to now (24h means 24 hours ago).

Examples:
  orgflow audit query --category merge
  orgflow audit query --since 24h --actor alice
  orgflow audit query --type branch.create --type branch.delete --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := model.AuditFilter{Category: auditCategory, Actor: auditActor, Limit: auditLimit}
		var err error
		if f.Since, err = parseTimeFlag("since", auditSince); err != nil {
			return err
		}
		if f.Until, err = parseTimeFlag("until", auditUntil); err != nil {
			return err
		}
		for _, t := range auditTypes {
			f.EventTypes = append(f.EventTypes, model.AuditEventType(t))
		}

		return withClient(cmd, func(c *orgflow.Client) error {
			events, err := c.QueryAudit(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOutput {
				if events == nil {
					events = []model.AuditEvent{}
				}
				return outputJSON(events)
			}
			if len(events) == 0 {
				fmt.Println("No audit events.")
				return nil
			}
			for _, ev := range events {
				fmt.Printf("%6d  %s  %-20s %-10s %s\n",
					ev.Seq, ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
					color.Info(string(ev.EventType)), ev.Actor, color.Dim(payloadSummary(ev.Payload)))
			}
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			res, err := c.VerifyAudit(cmd.Context(), auditFrom, auditTo)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := outputJSON(res); err != nil {
					return err
				}
				if !res.OK {
					return silentError{res.Err()}
				}
				return nil
			}
			if !res.OK {
				fmt.Printf("%s at event %d: %s\n", color.Error("Chain broken"), res.BrokenAt, res.Reason)
				return silentError{res.Err()}
			}
			fmt.Printf("%s %d event(s) verified\n", color.Success("OK"), res.Checked)
			return nil
		})
	},
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old audit events",
	Long: `Remove audit events older than --before, or older than the configured
retention.audit_max_age when --before is not given. The chain stays
verifiable across the pruned boundary.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := parseTimeFlag("before", auditBefore)
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *orgflow.Client) error {
			res, err := c.PruneAudit(cmd.Context(), before)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			if res.Removed == 0 {
				fmt.Println("Nothing to prune.")
				return nil
			}
			fmt.Printf("Removed %d event(s); chain anchored at event %d\n", res.Removed, res.AnchorSeq)
			return nil
		})
	},
}

// parseTimeFlag accepts RFC 3339 or a duration counted back from now.
func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("--%s: %q is neither an RFC 3339 time nor a duration", name, value)
}

func payloadSummary(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(p[k])
		if v == "" || v == "<nil>" || v == "[]" {
			continue
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "only events at or after this time")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "only events at or before this time")
	auditQueryCmd.Flags().StringVar(&auditCategory, "category", "", "event category (branch, merge, drift, recovery, safety, audit)")
	auditQueryCmd.Flags().StringArrayVar(&auditTypes, "type", nil, "event type (repeatable)")
	auditQueryCmd.Flags().StringVar(&auditActor, "actor", "", "only events by this actor")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 0, "return only the newest N events")
	auditVerifyCmd.Flags().Int64Var(&auditFrom, "from", 0, "first sequence number (default: oldest retained)")
	auditVerifyCmd.Flags().Int64Var(&auditTo, "to", 0, "last sequence number (default: newest)")
	auditPruneCmd.Flags().StringVar(&auditBefore, "before", "", "remove events older than this time")
	auditCmd.AddCommand(auditQueryCmd, auditVerifyCmd, auditPruneCmd)
	rootCmd.AddCommand(auditCmd)
}
