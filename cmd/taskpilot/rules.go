package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskpilot/internal/app"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
)

type ruleFile struct {
	Rules []domain.AutomationRule `yaml:"rules"`
}

// loadRules reads either a `rules:` list or a single rule document.
func loadRules(path string) ([]domain.AutomationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Rules) > 0 {
		return file.Rules, nil
	}
	var single domain.AutomationRule
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(single.Name) == "" && single.TriggerEvent == "" {
		return nil, fmt.Errorf("%s contains no rules", path)
	}
	return []domain.AutomationRule{single}, nil
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage automation rules"}
	rule.AddCommand(ruleApplyCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleShowCmd())
	rule.AddCommand(ruleToggleCmd("enable", true))
	rule.AddCommand(ruleToggleCmd("disable", false))
	rule.AddCommand(ruleDeleteCmd())
	return rule
}

func ruleApplyCmd() *cobra.Command {
	var file string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create rules from a YAML file",
		Long: `Creates every rule in the file for --org. Example:

rules:
  - name: Route reviews
    trigger_event: TASK_STATUS_CHANGED
    is_enabled: true
    conditions:
      all:
        - {field: newStatus, op: eq, value: IN_REVIEW}
    actions:
      - type: ASSIGN_USER
        config: {userId: alice}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				org := viper.GetString("org")
				var created []domain.AutomationRule
				for _, r := range rules {
					if r.OrganizationID == "" {
						r.OrganizationID = org
					}
					if disabled {
						r.IsEnabled = false
					}
					saved, err := a.Engine.CreateRule(ctx, r, viper.GetString("actor-id"))
					if err != nil {
						return fmt.Errorf("rule %q: %w", r.Name, err)
					}
					created = append(created, saved)
				}
				return printRules(created)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule YAML file")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the rules disabled")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				org := viper.GetString("org")
				var (
					rules []domain.AutomationRule
					err   error
				)
				if trigger != "" {
					rules, err = a.Repo.FindRules(ctx, trigger, org, false)
				} else {
					rules, err = a.Repo.ListRules(ctx, org)
				}
				if err != nil {
					return err
				}
				return printRules(rules)
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "only rules for this event")
	return cmd
}

func printRules(rules []domain.AutomationRule) error {
	if viper.GetBool("json") {
		return printJSON(rules)
	}
	tw := newTable(table.Row{"ID", "Name", "Trigger", "Enabled", "Actions"})
	for _, r := range rules {
		types := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			types = append(types, string(a.Type))
		}
		tw.AppendRow(table.Row{r.ID, r.Name, r.TriggerEvent, r.IsEnabled, strings.Join(types, " > ")})
	}
	tw.Render()
	return nil
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Repo.GetRule(ctx, viper.GetString("org"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				out, err := yaml.Marshal(r)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func ruleToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.SetRuleEnabled(ctx, viper.GetString("org"), args[0], enabled, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRules([]domain.AutomationRule{r})
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteRule(ctx, viper.GetString("org"), args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Submit and inspect domain events"}
	evt.AddCommand(eventEnqueueCmd())
	evt.AddCommand(eventEvaluateCmd())
	evt.AddCommand(eventExecutionsCmd())
	return evt
}

func eventPayload(raw string) (map[string]any, error) {
	payload, err := parseData(raw)
	if err != nil {
		return nil, err
	}
	payload[events.KeyOrganizationID] = viper.GetString("org")
	payload[events.KeyActorID] = viper.GetString("actor-id")
	return payload, nil
}

func eventEnqueueCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "enqueue <name>",
		Short: "Queue an event for the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := eventPayload(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(a.Config.Automation.Events) > 0 && !a.Config.KnownEvent(args[0]) {
					return fmt.Errorf("unknown event %q", args[0])
				}
				job, err := a.Automation.EnqueueEvent(ctx, args[0], payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "event payload as a JSON object")
	return cmd
}

func eventEvaluateCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "evaluate <name>",
		Short: "Run matching rules now, bypassing the queue",
		Long:  "Useful to try rules out. Events produced by the actions are still queued.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := eventPayload(data)
			if err != nil {
				return err
			}
			if events.StringField(payload, events.KeyEventID) == "" {
				payload[events.KeyEventID] = uuid.NewString()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, evalErr := a.Automation.EvaluateRulesForEvent(ctx, args[0], payload)
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				return evalErr
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "event payload as a JSON object")
	return cmd
}

func eventExecutionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executions <event-id>",
		Short: "List the actions already completed for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListExecutions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}
