// Package collab defines the narrow interfaces the pipeline's action
// handlers call through. The concrete vendor integrations (idea capture,
// LLM planner, code host, deploy platform) live behind these; the core
// never talks to a vendor directly.
package collab

import "context"

// Idea is one captured product idea.
type Idea struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Constraints []string `json:"constraints,omitempty"`
}

// PlanDocument is an implementation plan. The core treats it as opaque.
type PlanDocument struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	Raw         string   `json:"raw,omitempty"`
}

// FileChange is one generated file.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// TestReport is the outcome of running the generated tests.
type TestReport struct {
	Passed bool   `json:"passed"`
	Report string `json:"report,omitempty"`
}

// PRReference identifies an opened pull request.
type PRReference struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// Deployment is the result of a deploy request.
type Deployment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

type IdeaSource interface {
	Fetch(ctx context.Context, reference string) (Idea, error)
}

type Planner interface {
	Plan(ctx context.Context, idea Idea) (PlanDocument, error)
}

type CodeGenerator interface {
	Generate(ctx context.Context, plan PlanDocument) ([]FileChange, error)
}

type TestRunner interface {
	Run(ctx context.Context, files []FileChange) (TestReport, error)
}

type SourceHost interface {
	OpenPR(ctx context.Context, branch string, files []FileChange, description string) (PRReference, error)
}

type DeployTarget interface {
	Deploy(ctx context.Context, ref string) (Deployment, error)
	Poll(ctx context.Context, deploymentID string) (string, error)
}

// Set bundles one implementation of every collaborator.
type Set struct {
	Ideas    IdeaSource
	Planner  Planner
	CodeGen  CodeGenerator
	Tests    TestRunner
	Host     SourceHost
	Deployer DeployTarget
}
