package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/workspace"
)

// documentExts are merged by keeping both sides; everything else keeps ours.
var documentExts = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".rst": true, ".adoc": true,
}

// ResolveConflicts applies strategy to every unmerged file of the workspace
// checked out on branch and finalizes the merge once none remain.
func (r *Reconciler) ResolveConflicts(ctx context.Context, project, branch string, strategy models.ConflictStrategy) (models.Resolution, error) {
	res := models.Resolution{Project: project, Branch: branch, Strategy: strategy}
	if !strategy.Valid() {
		return res, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	ws, ok, err := r.ws.Get(ctx, project, branch)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, fmt.Errorf("%w: %s/%s", workspace.ErrWorkspaceNotFound, project, branch)
	}
	r.metrics.ConflictResolution(string(strategy))

	conflicts, err := r.git.ConflictedFiles(ctx, ws.Path)
	if err != nil {
		return res, fmt.Errorf("list conflicts: %w", err)
	}

	if strategy == models.StrategyManualReview {
		res.Remaining = conflicts
		res.Message = fmt.Sprintf("%d %s left for manual review", len(conflicts), plural(len(conflicts), "file", "files"))
		return res, nil
	}

	for _, file := range conflicts {
		if err := r.resolveFile(ctx, ws.Path, file, strategy); err != nil {
			r.logger.Warn("could not resolve file", zap.String("project", project),
				zap.String("branch", branch), zap.String("file", file), zap.Error(err))
			continue
		}
		res.Resolved = append(res.Resolved, file)
	}

	remaining, err := r.git.ConflictedFiles(ctx, ws.Path)
	if err != nil {
		return res, fmt.Errorf("re-check conflicts: %w", err)
	}
	res.Remaining = remaining
	if len(remaining) > 0 {
		res.Message = fmt.Sprintf("%d %s still need attention", len(remaining), plural(len(remaining), "file", "files"))
		r.remember(ctx, r.Check(ctx, ws))
		return res, nil
	}

	merging, err := r.git.IsMergeInProgress(ctx, ws.Path)
	if err != nil {
		return res, fmt.Errorf("check merge state: %w", err)
	}
	if merging {
		if err := r.git.CommitNoEdit(ctx, ws.Path); err != nil {
			return res, fmt.Errorf("finalize merge: %w", err)
		}
		res.Finalized = true
	}
	res.Message = fmt.Sprintf("Resolved %d %s", len(res.Resolved), plural(len(res.Resolved), "file", "files"))
	if res.Finalized {
		res.Message += " and finalized the merge"
	}
	r.logger.Info("conflicts resolved", zap.String("project", project), zap.String("branch", branch),
		zap.String("strategy", string(strategy)), zap.Int("files", len(res.Resolved)))
	r.remember(ctx, r.Check(ctx, ws))
	return res, nil
}

func (r *Reconciler) resolveFile(ctx context.Context, dir, file string, strategy models.ConflictStrategy) error {
	switch strategy {
	case models.StrategyAcceptTheirs:
		if err := r.git.CheckoutTheirs(ctx, dir, file); err != nil {
			return err
		}
	case models.StrategyAutoMerge:
		if documentExts[strings.ToLower(filepath.Ext(file))] {
			return r.mergeDocumentFile(ctx, dir, file)
		}
		if err := r.git.CheckoutOurs(ctx, dir, file); err != nil {
			return err
		}
	default:
		if err := r.git.CheckoutOurs(ctx, dir, file); err != nil {
			return err
		}
	}
	return r.git.Add(ctx, dir, file)
}

func (r *Reconciler) mergeDocumentFile(ctx context.Context, dir, file string) error {
	base, _, err := r.git.ShowStage(ctx, dir, 1, file)
	if err != nil {
		return err
	}
	ours, okOurs, err := r.git.ShowStage(ctx, dir, 2, file)
	if err != nil {
		return err
	}
	theirs, okTheirs, err := r.git.ShowStage(ctx, dir, 3, file)
	if err != nil {
		return err
	}
	if !okOurs {
		return fmt.Errorf("%s was deleted locally", file)
	}
	merged := ours
	if okTheirs {
		merged = MergeDocument(filepath.Ext(file), base, ours, theirs)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(merged), 0o644); err != nil {
		return fmt.Errorf("write merged %s: %w", file, err)
	}
	return r.git.Add(ctx, dir, file)
}

// MergeDocument combines two edits of a human-readable document. When only one
// side changed meaningfully that side wins; when both did, both are kept under
// labeled headings for a person to reconcile. ext selects the heading style.
func MergeDocument(ext, base, ours, theirs string) string {
	switch {
	case ours == theirs:
		return ours
	case sameText(theirs, base):
		return ours
	case sameText(ours, base):
		return theirs
	case sameText(ours, theirs):
		return ours
	}

	local, upstream := "## Local version", "## Upstream version"
	note := "<!-- forge: both sides changed; keep what you need and delete the rest -->"
	switch strings.ToLower(ext) {
	case ".md", ".markdown":
	case ".rst":
		local = "Local version\n============="
		upstream = "Upstream version\n================"
		note = ".. forge: both sides changed; keep what you need and delete the rest"
	case ".adoc":
		local, upstream = "== Local version", "== Upstream version"
		note = "// forge: both sides changed; keep what you need and delete the rest"
	default:
		local, upstream = "===== Local version =====", "===== Upstream version ====="
		note = "forge: both sides changed; keep what you need and delete the rest"
	}

	var b strings.Builder
	b.WriteString(note + "\n\n")
	b.WriteString(local + "\n\n")
	b.WriteString(strings.TrimRight(ours, "\n") + "\n\n")
	b.WriteString(upstream + "\n\n")
	b.WriteString(strings.TrimRight(theirs, "\n") + "\n")
	return b.String()
}

// sameText compares ignoring whitespace differences.
func sameText(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}
