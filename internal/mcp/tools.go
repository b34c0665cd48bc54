package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

type fragmentInput struct {
	Origin  string `json:"origin" jsonschema:"required,Source label for the fragment"`
	Content string `json:"content" jsonschema:"required,Fragment content"`
	Kind    string `json:"kind,omitempty" jsonschema:"Content kind (code doc config); derived from origin when empty"`
}

type pipelineRunInput struct {
	Mode      string          `json:"mode,omitempty" jsonschema:"Run mode (full merge-only analyze-only dry-run)"`
	Actor     string          `json:"actor,omitempty" jsonschema:"Submitting actor recorded on audit entries"`
	Policy    string          `json:"policy,omitempty" jsonschema:"Conflict tie-break policy (latest-wins interactive weighted)"`
	Fragments []fragmentInput `json:"fragments" jsonschema:"required,Divergent copies to unify in ingestion order"`
	Wait      bool            `json:"wait,omitempty" jsonschema:"Block until the run reaches a stable state"`
}

type conflictView struct {
	ID         string   `json:"id" jsonschema:"Conflict region ID"`
	Line       int      `json:"line" jsonschema:"Start line in the base document"`
	Resolution string   `json:"resolution" jsonschema:"Region resolution state"`
	Candidates []string `json:"candidates" jsonschema:"Candidate IDs with their origins"`
}

type runStatusOutput struct {
	RunID     string         `json:"run_id" jsonschema:"Run identifier"`
	State     string         `json:"state" jsonschema:"Run lifecycle state"`
	Mode      string         `json:"mode" jsonschema:"Run mode"`
	Issues    int            `json:"issues" jsonschema:"Number of diagnostic issues"`
	Conflicts []conflictView `json:"conflicts,omitempty" jsonschema:"Conflict regions"`
	Queued    int            `json:"queued" jsonschema:"Fixes awaiting approval"`
	Error     string         `json:"error,omitempty" jsonschema:"Failure reason for terminal runs"`
}

type runStatusInput struct {
	RunID string `json:"run_id" jsonschema:"required,Run identifier"`
}

type conflictResolveInput struct {
	RunID       string `json:"run_id" jsonschema:"required,Run identifier"`
	ConflictID  string `json:"conflict_id" jsonschema:"required,Conflict region to resolve"`
	CandidateID string `json:"candidate_id" jsonschema:"required,Winning candidate"`
	Actor       string `json:"actor,omitempty" jsonschema:"Resolving actor"`
}

type fixApproveInput struct {
	RunID  string `json:"run_id" jsonschema:"required,Run identifier"`
	FixID  string `json:"fix_id" jsonschema:"required,Queued fix to decide"`
	Actor  string `json:"actor,omitempty" jsonschema:"Deciding actor"`
	Reject bool   `json:"reject,omitempty" jsonschema:"Reject instead of approve"`
	Reason string `json:"reason,omitempty" jsonschema:"Rejection reason"`
}

type fixApproveOutput struct {
	FixID  string `json:"fix_id" jsonschema:"Fix identifier"`
	Status string `json:"status" jsonschema:"Fix status after the decision"`
}

type runReportInput struct {
	RunID  string `json:"run_id" jsonschema:"required,Run identifier"`
	Format string `json:"format,omitempty" jsonschema:"Report format (markdown or json)"`
}

type runReportOutput struct {
	Report string `json:"report" jsonschema:"Rendered report"`
}

func (s *Server) registerTools() {
	s.registerPipelineRun()
	s.registerRunStatus()
	s.registerConflictResolve()
	s.registerFixApprove()
	s.registerRunReport()
}

func (s *Server) registerPipelineRun() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_run",
		Description: "Merge divergent copies of an artifact, analyze the result, and plan confidence-scored fixes",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args pipelineRunInput) (*mcp.CallToolResult, runStatusOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "pipeline_run")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "pipeline_run")
			s.metrics.RecordInvocation(ctx, "pipeline_run", time.Since(start), toolErr)
		}()

		fragments := make([]fragment.Fragment, 0, len(args.Fragments))
		now := time.Now().UTC()
		for i, in := range args.Fragments {
			kind := fragment.Kind(in.Kind)
			if in.Kind == "" {
				kind = fragment.KindForPath(in.Origin)
			}
			f, err := fragment.New(in.Origin, in.Content, kind, now.Add(time.Duration(i)*time.Microsecond))
			if err != nil {
				toolErr = err
				return nil, runStatusOutput{}, err
			}
			fragments = append(fragments, f)
		}

		request := engine.Request{
			Mode:      run.Mode(args.Mode),
			Actor:     args.Actor,
			Policy:    merge.Policy(args.Policy),
			Fragments: fragments,
		}

		var (
			r   *run.Run
			err error
		)
		if args.Wait {
			r, err = s.engine.Execute(ctx, request)
		} else {
			r, err = s.engine.Start(ctx, request)
		}
		if err != nil {
			toolErr = err
			return nil, runStatusOutput{}, err
		}
		return nil, statusView(r), nil
	})
}

func (s *Server) registerRunStatus() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_status",
		Description: "Inspect a pipeline run: state, issues, conflicts, and queued fixes",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args runStatusInput) (*mcp.CallToolResult, runStatusOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "run_status")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "run_status")
			s.metrics.RecordInvocation(ctx, "run_status", time.Since(start), toolErr)
		}()

		r, err := s.engine.Get(args.RunID)
		if err != nil {
			toolErr = err
			return nil, runStatusOutput{}, err
		}
		return nil, statusView(r), nil
	})
}

func (s *Server) registerConflictResolve() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "conflict_resolve",
		Description: "Choose the winning candidate for a pending conflict region",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args conflictResolveInput) (*mcp.CallToolResult, runStatusOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "conflict_resolve")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "conflict_resolve")
			s.metrics.RecordInvocation(ctx, "conflict_resolve", time.Since(start), toolErr)
		}()

		r, err := s.engine.ResolveConflict(ctx, args.RunID, args.ConflictID, args.CandidateID, args.Actor)
		if err != nil {
			toolErr = err
			return nil, runStatusOutput{}, err
		}
		return nil, statusView(r), nil
	})
}

func (s *Server) registerFixApprove() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fix_approve",
		Description: "Approve or reject a queued fix",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args fixApproveInput) (*mcp.CallToolResult, fixApproveOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "fix_approve")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "fix_approve")
			s.metrics.RecordInvocation(ctx, "fix_approve", time.Since(start), toolErr)
		}()

		var (
			r   *run.Run
			err error
		)
		if args.Reject {
			r, err = s.engine.RejectFix(ctx, args.RunID, args.FixID, args.Actor, args.Reason)
		} else {
			r, err = s.engine.ApproveFix(ctx, args.RunID, args.FixID, args.Actor)
		}
		if err != nil {
			toolErr = err
			return nil, fixApproveOutput{}, err
		}

		f, err := r.Fix(args.FixID)
		if err != nil {
			toolErr = err
			return nil, fixApproveOutput{}, err
		}
		return nil, fixApproveOutput{FixID: f.ID, Status: string(f.Status)}, nil
	})
}

func (s *Server) registerRunReport() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_report",
		Description: "Render a run's full report: merge outcome, issues, fixes, and audit trail",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args runReportInput) (*mcp.CallToolResult, runReportOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "run_report")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "run_report")
			s.metrics.RecordInvocation(ctx, "run_report", time.Since(start), toolErr)
		}()

		data, err := s.engine.Report(args.RunID, args.Format)
		if err != nil {
			toolErr = err
			return nil, runReportOutput{}, err
		}
		return nil, runReportOutput{Report: string(data)}, nil
	})
}

// statusView projects a run snapshot into the tool output shape.
func statusView(r *run.Run) runStatusOutput {
	out := runStatusOutput{
		RunID:  r.ID,
		State:  string(r.State),
		Mode:   string(r.Mode),
		Issues: len(r.Issues),
		Queued: len(r.QueuedFixes()),
		Error:  r.Error,
	}
	if r.Merge != nil {
		for _, c := range r.Merge.Conflicts {
			view := conflictView{
				ID:         c.ID,
				Line:       c.Line,
				Resolution: string(c.Resolution),
			}
			for _, cand := range c.Candidates {
				view.Candidates = append(view.Candidates, cand.ID+" ("+cand.Origin+")")
			}
			out.Conflicts = append(out.Conflicts, view)
		}
	}
	return out
}
