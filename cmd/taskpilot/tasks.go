package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpilot/internal/app"
	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Task writes go through the change interceptor, so updates to monitored fields enqueue automation events.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var t domain.Task
	var parent, assignee string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			t.OrganizationID = viper.GetString("org")
			t.ParentID = optionalString(parent)
			t.AssigneeID = optionalString(assignee)
			if cmd.Flags().Changed("priority") {
				t.Priority = &priority
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Tasks.Create(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&t.ID, "id", "", "task id (generated if omitted)")
	cmd.Flags().StringVar(&t.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&t.Title, "title", "", "title")
	cmd.Flags().StringVar(&t.Description, "description", "", "description")
	cmd.Flags().StringVar(&t.Status, "status", "", "initial status (default TO_DO)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.OrganizationID = viper.GetString("org")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Tasks.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Assignee", "Priority", "Parent"})
				for _, t := range tasks {
					priority := ""
					if t.Priority != nil {
						priority = fmt.Sprint(*t.Priority)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, deref(t.AssigneeID), priority, deref(t.ParentID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Get(ctx, viper.GetString("org"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, assign string
	var priority int
	var clearPriority bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Long:  "Changing status, assignee or priority enqueues the matching TASK_*_CHANGED event.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u domain.TaskUpdate
			if cmd.Flags().Changed("title") {
				u.Title = &title
			}
			if cmd.Flags().Changed("description") {
				u.Description = &description
			}
			if cmd.Flags().Changed("status") {
				u.Status = &status
			}
			if cmd.Flags().Changed("assign") {
				u.AssigneeID = &assign
			}
			if cmd.Flags().Changed("priority") {
				u.Priority = &priority
			}
			u.ClearPriority = clearPriority
			if u.Empty() {
				return fmt.Errorf("nothing to update")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Update(ctx, viper.GetString("org"), args[0], u)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id (empty clears)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	cmd.Flags().BoolVar(&clearPriority, "clear-priority", false, "clear priority")
	return cmd
}
