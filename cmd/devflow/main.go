package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devflow/internal/app"
	"devflow/internal/config"
	"devflow/internal/db"
	"devflow/internal/pipeline"
	"devflow/internal/repo"
	"devflow/internal/server"
	"devflow/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "devflow",
	Short: "Devflow CLI",
	Long: `Devflow turns product ideas into deployed applications.
It keeps a graph of work items (tasks, bugs, features, jobs) in a local
SQLite workspace, runs every external side effect through an idempotent
action bus, and drives a fixed idea-to-deployment pipeline:
capture idea -> plan -> generate code -> run tests -> open PR -> deploy.
Every change lands in an append-only event log, view it with 'devflow log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEVFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(unlinkCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			a, err := app.Open(app.Options{Workspace: workspace})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized workspace: %s (db at %s)\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "devflow", "project id")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemDeleteCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts store.CreateItemOptions
	var tags []string
	var metadataJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ReporterID = viper.GetString("actor-id")
				opts.Tags = tags
				if metadataJSON != "" {
					if err := json.Unmarshal([]byte(metadataJSON), &opts.Metadata); err != nil {
						return fmt.Errorf("invalid --metadata json: %w", err)
					}
				}
				item, err := a.Store.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "task", "item type")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent item id")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata as a JSON object")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Priority", "Assignee"})
				for _, it := range items {
					assignee := ""
					if it.AssigneeID != nil {
						assignee = *it.AssigneeID
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.Type, it.Status, it.Priority, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent item id")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show a work item with its relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Store.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				rels, err := a.Store.ListRelationships(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"item":          item,
					"relationships": rels,
				})
			})
		},
	}
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var title, description, status, priority, assignee, parent, dueDate string
	var estimated, actual float64
	var tags []string
	var metadataJSON string
	cmd := &cobra.Command{
		Use:   "update <item-id>",
		Short: "Update a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				patch := store.ItemPatch{ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("description") {
					patch.Description = &description
				}
				if cmd.Flags().Changed("status") {
					patch.Status = &status
				}
				if cmd.Flags().Changed("priority") {
					patch.Priority = &priority
				}
				if cmd.Flags().Changed("assignee-id") {
					patch.AssigneeID = &assignee
				}
				if cmd.Flags().Changed("parent") {
					patch.ParentID = &parent
				}
				if cmd.Flags().Changed("due-date") {
					patch.DueDate = &dueDate
				}
				if cmd.Flags().Changed("estimated-hours") {
					patch.EstimatedHours = &estimated
				}
				if cmd.Flags().Changed("actual-hours") {
					patch.ActualHours = &actual
				}
				if cmd.Flags().Changed("tag") {
					patch.Tags = &tags
				}
				if metadataJSON != "" {
					if err := json.Unmarshal([]byte(metadataJSON), &patch.Metadata); err != nil {
						return fmt.Errorf("invalid --metadata json: %w", err)
					}
				}
				item, err := a.Store.UpdateItem(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&parent, "parent", "", "parent item id (empty clears)")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (RFC3339, empty clears)")
	cmd.Flags().Float64Var(&estimated, "estimated-hours", 0, "estimated hours")
	cmd.Flags().Float64Var(&actual, "actual-hours", 0, "actual hours")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "replacement tag set (repeatable)")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "replacement metadata as a JSON object")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <item-id>",
		Short: "Delete a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.DeleteItem(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func linkCmd() *cobra.Command {
	var relType, description string
	cmd := &cobra.Command{
		Use:   "link <source-id> <target-id>",
		Short: "Link two work items",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rel, err := a.Store.Link(ctx, args[0], args[1], relType, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", "depends_on", "relationship type")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func unlinkCmd() *cobra.Command {
	var relType string
	cmd := &cobra.Command{
		Use:   "unlink <source-id> <target-id>",
		Short: "Remove a relationship",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				err := a.Store.Unlink(ctx, args[0], args[1], relType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Println("unlinked", args[0], "->", args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", "depends_on", "relationship type")
	return cmd
}

func graphCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "graph <item-id>",
		Short: "Show the relationship graph around an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Store.GetGraph(ctx, args[0], depth)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Source", "Type", "Target"})
				for _, rel := range g.Relationships {
					tw.AppendRow(table.Row{rel.SourceID, rel.Type, rel.TargetID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 2, "traversal depth")
	return cmd
}

func pipelineCmd() *cobra.Command {
	pl := &cobra.Command{Use: "pipeline", Short: "Run idea-to-deployment pipelines"}
	pl.AddCommand(pipelineStartCmd())
	pl.AddCommand(pipelineStatusCmd())
	pl.AddCommand(pipelineRetryCmd())
	pl.AddCommand(pipelineCancelCmd())
	return pl
}

func pipelineStartCmd() *cobra.Command {
	var title string
	var wait bool
	cmd := &cobra.Command{
		Use:   "start <idea-reference>",
		Short: "Start a pipeline for an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if wait {
					a.Pipeline.Async = false
				}
				js, err := a.Pipeline.Start(ctx, pipeline.StartOptions{
					IdeaReference: args[0],
					Title:         title,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(js)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().BoolVar(&wait, "wait", true, "block until the pipeline finishes")
	return cmd
}

func pipelineStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				js, err := a.Pipeline.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(js)
				}
				fmt.Printf("Job %s: %s\n", js.JobID, js.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Status", "Error"})
				for _, s := range js.Steps {
					tw.AppendRow(table.Row{s.Position, s.Name, s.Status, s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func pipelineRetryCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if wait {
					a.Pipeline.Async = false
				}
				js, err := a.Pipeline.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(js)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "block until the pipeline finishes")
	return cmd
}

func pipelineCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				js, err := a.Pipeline.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(js)
			})
		},
	}
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Inspect the action bus"}
	act.AddCommand(actionListCmd())
	act.AddCommand(actionShowCmd())
	return act
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actions, err := a.Bus.ListActions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Key", "Status", "Created"})
				for _, act := range actions {
					tw.AppendRow(table.Row{act.ID, act.Type, act.IdempotencyKey, act.Status, act.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "action type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Bus.Repo.GetActionByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: item changes, actions, pipeline steps.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Bus.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().Int64Var(&f.After, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(app.Options{Workspace: workspace})
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			handler, err := server.New(cmd.Context(), server.Config{
				Store:    a.Store,
				Bus:      a.Bus,
				Pipeline: a.Pipeline,
				Webhooks: a.Config.Webhooks,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Devflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
