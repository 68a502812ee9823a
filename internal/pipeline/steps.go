package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"devflow/internal/bus"
	"devflow/internal/collab"
	"devflow/internal/domain"
)

// deployPollInterval spaces out status checks while a deployment is still
// in flight on the target.
var deployPollInterval = 2 * time.Second

// StepDef is one pipeline step as data: the action type it executes, the
// audit events it produces, and how its input is assembled from the job and
// the outputs of every prior step. The sequence itself is a list so tests
// can shorten or reorder it.
type StepDef struct {
	Name string
	// StartEvent, if set, is emitted when the step begins (deployment_started).
	StartEvent string
	// SuccessEvent / FailureEvent are domain events from the fixed
	// vocabulary, emitted alongside the job.step.* lifecycle events.
	SuccessEvent string
	FailureEvent string
	BuildInput   func(job domain.WorkItem, outputs map[string]map[string]any) map[string]any
}

// DefaultSteps is the fixed idea-to-deployment sequence.
func DefaultSteps() []StepDef {
	return []StepDef{
		{
			Name:         "capture_idea",
			SuccessEvent: "spec_created",
			BuildInput: func(job domain.WorkItem, _ map[string]map[string]any) map[string]any {
				ref, _ := job.Metadata["idea_reference"].(string)
				return map[string]any{"idea_reference": ref}
			},
		},
		{
			Name: "generate_plan",
			BuildInput: func(_ domain.WorkItem, outputs map[string]map[string]any) map[string]any {
				return map[string]any{"idea": outputs["capture_idea"]}
			},
		},
		{
			Name: "generate_code",
			BuildInput: func(_ domain.WorkItem, outputs map[string]map[string]any) map[string]any {
				return map[string]any{"plan": outputs["generate_plan"]}
			},
		},
		{
			Name:         "run_tests",
			SuccessEvent: "test_passed",
			FailureEvent: "test_failed",
			BuildInput: func(_ domain.WorkItem, outputs map[string]map[string]any) map[string]any {
				return map[string]any{"files": outputs["generate_code"]["files"]}
			},
		},
		{
			Name:         "create_pr",
			SuccessEvent: "pr_created",
			BuildInput: func(job domain.WorkItem, outputs map[string]map[string]any) map[string]any {
				description := ""
				if plan := outputs["generate_plan"]; plan != nil {
					description, _ = plan["description"].(string)
				}
				short := job.ID
				if len(short) > 8 {
					short = short[:8]
				}
				return map[string]any{
					"branch":      "devflow/" + short,
					"files":       outputs["generate_code"]["files"],
					"description": description,
				}
			},
		},
		{
			Name:         "deploy",
			StartEvent:   "deployment_started",
			SuccessEvent: "deployment_completed",
			FailureEvent: "deployment_failed",
			BuildInput: func(_ domain.WorkItem, outputs map[string]map[string]any) map[string]any {
				ref := ""
				if pr := outputs["create_pr"]; pr != nil {
					ref, _ = pr["branch"].(string)
				}
				return map[string]any{"ref": ref}
			},
		},
	}
}

// RegisterHandlers binds the default step action types to a collaborator
// set. Tests re-register individual action types to substitute fakes.
func RegisterHandlers(b *bus.Bus, c collab.Set) {
	b.Register("capture_idea", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		ref, _ := input["idea_reference"].(string)
		idea, err := c.Ideas.Fetch(ctx, ref)
		if err != nil {
			return nil, err
		}
		return asMap(idea)
	})
	b.Register("generate_plan", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		var idea collab.Idea
		if err := fromMap(input["idea"], &idea); err != nil {
			return nil, err
		}
		plan, err := c.Planner.Plan(ctx, idea)
		if err != nil {
			return nil, err
		}
		return asMap(plan)
	})
	b.Register("generate_code", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		var plan collab.PlanDocument
		if err := fromMap(input["plan"], &plan); err != nil {
			return nil, err
		}
		files, err := c.CodeGen.Generate(ctx, plan)
		if err != nil {
			return nil, err
		}
		return map[string]any{"files": anyFiles(files)}, nil
	})
	b.Register("run_tests", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		files, err := decodeFiles(input["files"])
		if err != nil {
			return nil, err
		}
		report, err := c.Tests.Run(ctx, files)
		if err != nil {
			return nil, err
		}
		if !report.Passed {
			return nil, fmt.Errorf("tests failed: %s", report.Report)
		}
		return asMap(report)
	})
	b.Register("create_pr", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		branch, _ := input["branch"].(string)
		description, _ := input["description"].(string)
		files, err := decodeFiles(input["files"])
		if err != nil {
			return nil, err
		}
		pr, err := c.Host.OpenPR(ctx, branch, files, description)
		if err != nil {
			return nil, err
		}
		return asMap(pr)
	})
	b.Register("deploy", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		ref, _ := input["ref"].(string)
		dep, err := c.Deployer.Deploy(ctx, ref)
		if err != nil {
			return nil, err
		}
		dep, err = waitForDeployment(ctx, c.Deployer, dep)
		if err != nil {
			return nil, err
		}
		if dep.Status == "error" {
			return nil, fmt.Errorf("deployment %s failed", dep.ID)
		}
		return asMap(dep)
	})
}

// waitForDeployment polls a deployment that came back still in flight until
// the target reports a terminal status, waiting deployPollInterval between
// checks.
func waitForDeployment(ctx context.Context, target collab.DeployTarget, dep collab.Deployment) (collab.Deployment, error) {
	for dep.Status != "ready" && dep.Status != "error" {
		select {
		case <-ctx.Done():
			return dep, ctx.Err()
		case <-time.After(deployPollInterval):
		}
		status, err := target.Poll(ctx, dep.ID)
		if err != nil {
			return dep, err
		}
		dep.Status = status
	}
	return dep, nil
}

func asMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(v any, out any) error {
	if v == nil {
		return fmt.Errorf("missing step input")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func anyFiles(files []collab.FileChange) []any {
	out := make([]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{"path": f.Path, "content": f.Content})
	}
	return out
}

func decodeFiles(v any) ([]collab.FileChange, error) {
	var files []collab.FileChange
	if err := fromMap(v, &files); err != nil {
		return nil, err
	}
	return files, nil
}
