package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectRecalcCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	var stages []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project planned from today",
		Example: `  sl project create --id site --name Website \
    --stage "Design=08/03/2024" --stage "Build=15/03/2024"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateProjectOptions{ID: id, Name: name}
			for _, raw := range stages {
				stage, deadline, ok := strings.Cut(raw, "=")
				if !ok {
					return fmt.Errorf("--stage %q: expected NAME=DD/MM/YYYY", raw)
				}
				opts.Stages = append(opts.Stages, engine.StageInput{Stage: strings.TrimSpace(stage), Deadline: strings.TrimSpace(deadline)})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printProject(res.Project)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringArrayVar(&stages, "stage", nil, "stage as NAME=DD/MM/YYYY (repeatable, in timeline order)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Stages", "Planned"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, pct(p.Progress), len(p.Plan.Timeline), p.Plan.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project and its timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				p, err := e.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and all its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				if err := e.DeleteProject(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s\n", id)
				return nil
			})
		},
	}
}

func projectRecalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc",
		Short: "Rebuild every share and progress value of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.Recalculate(ctx, id)
				if err != nil {
					return err
				}
				return printProject(res.Project)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			env, err := godotenv.Read(path)
			if err != nil {
				if !os.IsNotExist(err) {
					return err
				}
				env = map[string]string{}
			}
			env["STAGELINE_PROJECT"] = projectID
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Printf("Set STAGELINE_PROJECT=%s in %s\n", projectID, path)
			return nil
		},
	}
}

// --- stage ---

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Manage the project timeline"}
	stage.AddCommand(stageAddCmd())
	stage.AddCommand(stageEditCmd())
	stage.AddCommand(stageRemoveCmd())
	stage.AddCommand(stageListCmd())
	return stage
}

func stageAddCmd() *cobra.Command {
	var deadline, note string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Append a stage to the timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.CreateStage(ctx, engine.StageCreated{ProjectID: id, Stage: args[0], Deadline: deadline, Note: note})
				if err != nil {
					return err
				}
				return printProject(res.Project)
			})
		},
	}
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline as DD/MM/YYYY")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func stageEditCmd() *cobra.Command {
	var rename, deadline, note string
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Rename a stage or change its deadline or note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.UpdateStage(ctx, engine.StageUpdated{
					ProjectID: id,
					Stage:     args[0],
					Rename:    optionalString(cmd, "rename", rename),
					Deadline:  optionalString(cmd, "deadline", deadline),
					Note:      optionalString(cmd, "note", note),
				})
				if err != nil {
					return err
				}
				return printProject(res.Project)
			})
		},
	}
	cmd.Flags().StringVar(&rename, "rename", "", "new stage name")
	cmd.Flags().StringVar(&deadline, "deadline", "", "new deadline as DD/MM/YYYY")
	cmd.Flags().StringVar(&note, "note", "", "new note")
	return cmd
}

func stageRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a stage and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.DeleteStage(ctx, id, args[0])
				if err != nil {
					return err
				}
				return printProject(res.Project)
			})
		},
	}
}

func stageListCmd() *cobra.Command {
	var sortBy string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sortBy != "timeline" && sortBy != "deadline" {
				return fmt.Errorf("--sort must be timeline or deadline")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				stages, err := e.Timeline(ctx, id, sortBy == "deadline")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				renderStages(stages)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sortBy, "sort", "timeline", "order: timeline or deadline")
	return cmd
}

// --- task ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskRemoveCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var in engine.TaskCreated
	var status, assignee string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task in a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Status = domain.TaskStatus(status)
			if assignee != "" {
				in.Assignee = &assignee
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				in.ProjectID = id
				res, err := e.CreateTask(ctx, in)
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Stage, "stage", "", "stage name")
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date as DD/MM/YYYY")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&status, "status", "", "initial status (Todo, Doing, Review, Done)")
	for _, f := range []string{"stage", "title", "due"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var q engine.TaskQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				tasks, err := e.ListTasks(ctx, id, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&q.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				renderTasks([]domain.Task{t})
				return nil
			})
		},
	}
}

func taskEditCmd() *cobra.Command {
	var status, due, stage, title, description, assignee string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a task",
		Long:  "Edit a task. Pass --assignee \"\" to clear the assignee.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.TaskUpdated{
				TaskID:      args[0],
				DueDate:     optionalString(cmd, "due", due),
				Stage:       optionalString(cmd, "stage", stage),
				Title:       optionalString(cmd, "title", title),
				Description: optionalString(cmd, "description", description),
				Assignee:    optionalString(cmd, "assignee", assignee),
			}
			if cmd.Flags().Changed("status") {
				s := domain.TaskStatus(status)
				upd.Status = &s
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateTask(ctx, upd)
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (Todo, Doing, Review, Done)")
	cmd.Flags().StringVar(&due, "due", "", "due date as DD/MM/YYYY")
	cmd.Flags().StringVar(&stage, "stage", "", "move to stage")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task Done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done := domain.TaskDone
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateTask(ctx, engine.TaskUpdated{TaskID: args[0], Status: &done})
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
}

func taskRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeleteTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
}

// --- events ---

func eventsCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Events(ctx, id, evtType, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- output ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s  %s  [%s]  %s  (planned %s, v%d)\n", p.ID, p.Name, p.Status, pct(p.Progress), p.Plan.CreatedAt, p.Version)
	if len(p.Plan.Timeline) > 0 {
		renderStages(p.Plan.Timeline)
	}
	return nil
}

func printMutation(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if err := printProject(res.Project); err != nil {
		return err
	}
	if len(res.Tasks) > 0 {
		renderTasks(res.Tasks)
	}
	return nil
}

func renderStages(stages []domain.Stage) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Stage", "Deadline", "Weight", "Share", "Progress", "Completed", "Note"})
	for _, s := range stages {
		completed := ""
		if s.ActualCompletion != nil {
			completed = *s.ActualCompletion
		}
		tw.AppendRow(table.Row{s.Stage, s.Deadline, s.PercentOfProject.Weight, pct(s.PercentOfProject.Percent), pct(s.Progress), completed, s.Note})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	tw.Render()
}

func renderTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Stage", "Title", "Due", "Status", "Assignee", "Share"})
	for _, t := range tasks {
		assignee := ""
		if t.Assignee != nil {
			assignee = *t.Assignee
		}
		tw.AppendRow(table.Row{t.ID, t.Stage, t.Title, t.DueDate, t.Status, assignee, pct(t.PercentOfStage.Percent)})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 7, Align: text.AlignRight}})
	tw.Render()
}
