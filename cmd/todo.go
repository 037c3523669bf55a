package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/output"
	"github.com/joescharf/forge/internal/todo"
)

var (
	todoProject  string
	todoTitle    string
	todoDesc     string
	todoType     string
	todoPriority string
	todoStatus   string
	todoArea     string
	todoParent   string
	todoTags     []string
	todoAssignee string
	todoEffort   string
	todoDue      string
	todoOrder    int64
	todoCascade  bool
	todoNoAI     bool
)

var todoCmd = &cobra.Command{
	Use:     "todo",
	Aliases: []string{"todos"},
	Short:   "Manage the work-item tree of a project",
	Long: `Track epics, features, stories, tasks and bugs as a tree stored in the
project's primary checkout. Without --project, the project is detected from
the working directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoTreeRun()
	},
}

var todoAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a work item",
	Long:  "Add a work item. Missing type, priority and area are inferred from the title and description.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoAddRun(strings.Join(args, " "))
	},
}

var todoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List work items as a flat table",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoListRun()
	},
}

var todoTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show work items as an outline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoTreeRun()
	},
}

var todoShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show work item details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoShowRun(args[0])
	},
}

var todoUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoUpdateRun(cmd, args[0])
	},
}

var todoMoveCmd = &cobra.Command{
	Use:   "move <id>",
	Short: "Move a work item under another parent",
	Long:  "Move a work item. An empty --parent promotes it to a root.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var order *int64
		if cmd.Flags().Changed("order") {
			order = &todoOrder
		}
		return todoMoveRun(args[0], todoParent, order)
	},
}

var todoRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a work item",
	Long:    "Delete a work item. Without --cascade its children become roots.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoRemoveRun(args[0])
	},
}

var todoClassifyCmd = &cobra.Command{
	Use:   "classify <title>",
	Short: "Infer type, priority and area for a title",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return todoClassifyRun(strings.Join(args, " "))
	},
}

func init() {
	todoCmd.PersistentFlags().StringVarP(&todoProject, "project", "p", "", "Project name (default: detect from cwd)")

	todoAddCmd.Flags().StringVar(&todoDesc, "desc", "", "Description")
	todoAddCmd.Flags().StringVar(&todoType, "type", "", "Type: epic, feature, story, task, subtask, bug")
	todoAddCmd.Flags().StringVar(&todoPriority, "priority", "", "Priority: low, medium, high, critical")
	todoAddCmd.Flags().StringVar(&todoArea, "area", "", "Functional area")
	todoAddCmd.Flags().StringVar(&todoParent, "parent", "", "Parent work item ID")
	todoAddCmd.Flags().StringSliceVar(&todoTags, "tag", nil, "Tag (repeatable)")
	todoAddCmd.Flags().StringVar(&todoAssignee, "assignee", "", "Assignee")
	todoAddCmd.Flags().StringVar(&todoEffort, "effort", "", "Effort estimate")
	todoAddCmd.Flags().StringVar(&todoDue, "due", "", "Due date (YYYY-MM-DD)")
	todoAddCmd.Flags().BoolVar(&todoNoAI, "no-ai", false, "Classify with keyword heuristics only")

	todoListCmd.Flags().StringVar(&todoStatus, "status", "", "Filter by status")
	todoListCmd.Flags().StringVar(&todoType, "type", "", "Filter by type")
	todoListCmd.Flags().StringVar(&todoPriority, "priority", "", "Filter by priority")
	todoTreeCmd.Flags().StringVar(&todoStatus, "status", "", "Only show items with this status and their ancestors")

	todoUpdateCmd.Flags().StringVar(&todoTitle, "title", "", "New title")
	todoUpdateCmd.Flags().StringVar(&todoDesc, "desc", "", "New description")
	todoUpdateCmd.Flags().StringVar(&todoType, "type", "", "New type")
	todoUpdateCmd.Flags().StringVar(&todoStatus, "status", "", "New status: pending, planned, in-progress, in-review, done, deferred")
	todoUpdateCmd.Flags().StringVar(&todoPriority, "priority", "", "New priority")
	todoUpdateCmd.Flags().StringVar(&todoArea, "area", "", "New area")
	todoUpdateCmd.Flags().StringVar(&todoAssignee, "assignee", "", "New assignee")
	todoUpdateCmd.Flags().StringVar(&todoEffort, "effort", "", "New effort estimate")
	todoUpdateCmd.Flags().StringVar(&todoDue, "due", "", "New due date")
	todoUpdateCmd.Flags().StringSliceVar(&todoTags, "tag", nil, "Replace tags (repeatable)")

	todoMoveCmd.Flags().StringVar(&todoParent, "parent", "", "New parent ID (empty for root)")
	todoMoveCmd.Flags().Int64Var(&todoOrder, "order", 0, "Position among siblings")

	todoRemoveCmd.Flags().BoolVar(&todoCascade, "cascade", false, "Also delete all descendants")

	todoClassifyCmd.Flags().StringVar(&todoDesc, "desc", "", "Description")
	todoClassifyCmd.Flags().BoolVar(&todoNoAI, "no-ai", false, "Use keyword heuristics only")

	todoCmd.AddCommand(todoAddCmd)
	todoCmd.AddCommand(todoListCmd)
	todoCmd.AddCommand(todoTreeCmd)
	todoCmd.AddCommand(todoShowCmd)
	todoCmd.AddCommand(todoUpdateCmd)
	todoCmd.AddCommand(todoMoveCmd)
	todoCmd.AddCommand(todoRemoveCmd)
	todoCmd.AddCommand(todoClassifyCmd)
	rootCmd.AddCommand(todoCmd)
}

func openTodos() (*todo.Store, string, error) {
	project, err := resolveProject(todoProject)
	if err != nil {
		return nil, "", err
	}
	ts, err := todoStore(project)
	if err != nil {
		return nil, "", err
	}
	return ts, project, nil
}

func classify(title, desc string) todo.Classification {
	if todoNoAI {
		return todo.Heuristic(title, desc)
	}
	return todo.NewClassifier(newLLMClient(), viper.GetString("anthropic.model"), getLogger()).
		Classify(context.Background(), title, desc)
}

func todoAddRun(title string) error {
	ts, project, err := openTodos()
	if err != nil {
		return err
	}

	parentID := ""
	if todoParent != "" {
		parent, err := findWorkItem(ts, todoParent)
		if err != nil {
			return err
		}
		parentID = parent.ID
	}

	item := models.WorkItem{
		Title:       title,
		Description: todoDesc,
		Type:        models.WorkItemType(todoType),
		Priority:    models.Priority(todoPriority),
		Area:        todoArea,
		Project:     project,
		Tags:        todoTags,
		Assignee:    todoAssignee,
		Effort:      todoEffort,
		DueDate:     todoDue,
	}
	if item.Type == "" || item.Priority == "" || item.Area == "" {
		c := classify(title, todoDesc)
		if item.Type == "" {
			item.Type = c.Type
		}
		if item.Priority == "" {
			item.Priority = c.Priority
		}
		if item.Area == "" {
			item.Area = c.Area
		}
	}

	if dryRun {
		ui.DryRunMsg("Would add %s: %s [%s/%s] to %s", item.Type, title, item.Priority, item.Area, project)
		return nil
	}

	created, err := ts.Create(parentID, item)
	if err != nil {
		return fmt.Errorf("create work item: %w", err)
	}
	ui.Success("Created %s %s: %s", created.Type, output.Cyan(shortID(created.ID)), created.Title)
	return nil
}

func todoListRun() error {
	ts, _, err := openTodos()
	if err != nil {
		return err
	}
	items, err := ts.ListAll()
	if err != nil {
		return err
	}

	var rows []models.WorkItem
	for _, it := range items {
		if todoStatus != "" && string(it.Status) != todoStatus {
			continue
		}
		if todoType != "" && string(it.Type) != todoType {
			continue
		}
		if todoPriority != "" && string(it.Priority) != todoPriority {
			continue
		}
		rows = append(rows, it)
	}
	if len(rows) == 0 {
		ui.Info("No work items found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Type", "Status", "Priority", "Area", "Depth"})
	for _, it := range rows {
		_ = table.Append([]string{
			shortID(it.ID),
			truncate(it.Title, 50),
			string(it.Type),
			output.StatusColor(string(it.Status)),
			output.PriorityColor(string(it.Priority)),
			it.Area,
			fmt.Sprintf("%d", it.Depth),
		})
	}
	_ = table.Render()
	return nil
}

func todoTreeRun() error {
	ts, project, err := openTodos()
	if err != nil {
		return err
	}
	roots, err := ts.BuildTree()
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, n := range roots {
		renderTree(&b, n, "", models.WorkItemStatus(todoStatus))
	}
	if b.Len() == 0 {
		ui.Info("No work items for %s", project)
		return nil
	}
	fmt.Fprint(ui.Out, b.String())
	return nil
}

// renderTree writes n and its matching descendants. With a status filter,
// ancestors of a match are kept so its position stays visible.
func renderTree(b *strings.Builder, n *models.TreeNode, indent string, status models.WorkItemStatus) bool {
	var sub strings.Builder
	childMatched := false
	for _, c := range n.Children {
		if renderTree(&sub, c, indent+"  ", status) {
			childMatched = true
		}
	}
	if status != "" && n.Item.Status != status && !childMatched {
		return false
	}
	fmt.Fprintf(b, "%s- %s %s [%s] %s\n", indent, output.Cyan(shortID(n.Item.ID)), n.Item.Title,
		n.Item.Type, output.StatusColor(string(n.Item.Status)))
	b.WriteString(sub.String())
	return true
}

func todoShowRun(id string) error {
	ts, _, err := openTodos()
	if err != nil {
		return err
	}
	it, err := findWorkItem(ts, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(it.ID)), it.Title)
	fmt.Fprintf(ui.Out, "  Project:    %s\n", it.Project)
	fmt.Fprintf(ui.Out, "  Type:       %s\n", it.Type)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(it.Status)))
	fmt.Fprintf(ui.Out, "  Priority:   %s\n", output.PriorityColor(string(it.Priority)))
	fmt.Fprintf(ui.Out, "  Area:       %s\n", it.Area)
	if it.ParentID != "" {
		fmt.Fprintf(ui.Out, "  Parent:     %s\n", shortID(it.ParentID))
	}
	if it.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", it.Description)
	}
	if it.Assignee != "" {
		fmt.Fprintf(ui.Out, "  Assignee:   %s\n", it.Assignee)
	}
	if it.Effort != "" {
		fmt.Fprintf(ui.Out, "  Effort:     %s\n", it.Effort)
	}
	if it.DueDate != "" {
		fmt.Fprintf(ui.Out, "  Due:        %s\n", it.DueDate)
	}
	if len(it.Tags) > 0 {
		fmt.Fprintf(ui.Out, "  Tags:       %s\n", strings.Join(it.Tags, ", "))
	}
	if it.BranchName != "" {
		fmt.Fprintf(ui.Out, "  Branch:     %s (%s)\n", it.BranchName, it.WorkspaceStatus)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", it.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Updated:    %s\n", it.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", it.ID)
	return nil
}

func todoUpdateRun(cmd *cobra.Command, id string) error {
	ts, _, err := openTodos()
	if err != nil {
		return err
	}
	it, err := findWorkItem(ts, id)
	if err != nil {
		return err
	}

	var p todo.Patch
	changed := false
	str := func(flag string, v string) *string {
		if !cmd.Flags().Changed(flag) {
			return nil
		}
		changed = true
		return &v
	}
	p.Title = str("title", todoTitle)
	p.Description = str("desc", todoDesc)
	p.Area = str("area", todoArea)
	p.Assignee = str("assignee", todoAssignee)
	p.Effort = str("effort", todoEffort)
	p.DueDate = str("due", todoDue)
	if cmd.Flags().Changed("type") {
		t := models.WorkItemType(todoType)
		p.Type = &t
		changed = true
	}
	if cmd.Flags().Changed("status") {
		s := models.WorkItemStatus(todoStatus)
		p.Status = &s
		changed = true
	}
	if cmd.Flags().Changed("priority") {
		pr := models.Priority(todoPriority)
		p.Priority = &pr
		changed = true
	}
	if cmd.Flags().Changed("tag") {
		tags := todoTags
		p.Tags = &tags
		changed = true
	}

	if !changed {
		return fmt.Errorf("no updates specified (use --title, --desc, --type, --status, --priority, --area, --tag, --assignee, --effort, or --due)")
	}

	if dryRun {
		ui.DryRunMsg("Would update work item %s", shortID(it.ID))
		return nil
	}

	if _, _, err := ts.Update(it.ID, p); err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	ui.Success("Updated work item %s", output.Cyan(shortID(it.ID)))
	return nil
}

func todoMoveRun(id, parentRef string, order *int64) error {
	ts, _, err := openTodos()
	if err != nil {
		return err
	}
	it, err := findWorkItem(ts, id)
	if err != nil {
		return err
	}
	parentID := ""
	if parentRef != "" {
		parent, err := findWorkItem(ts, parentRef)
		if err != nil {
			return err
		}
		parentID = parent.ID
	}

	if dryRun {
		ui.DryRunMsg("Would move %s under %s", shortID(it.ID), displayParent(parentID))
		return nil
	}

	moved, _, err := ts.Move(it.ID, parentID, order)
	if err != nil {
		return fmt.Errorf("move work item: %w", err)
	}
	ui.Success("Moved %s under %s (depth %d)", output.Cyan(shortID(moved.ID)), displayParent(parentID), moved.Depth)
	return nil
}

func displayParent(id string) string {
	if id == "" {
		return "root"
	}
	return shortID(id)
}

func todoRemoveRun(id string) error {
	ts, _, err := openTodos()
	if err != nil {
		return err
	}
	it, err := findWorkItem(ts, id)
	if err != nil {
		return err
	}

	if dryRun {
		if todoCascade {
			ui.DryRunMsg("Would delete %s and its descendants", shortID(it.ID))
		} else {
			ui.DryRunMsg("Would delete %s", shortID(it.ID))
		}
		return nil
	}

	if _, err := ts.Delete(it.ID, todoCascade); err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	ui.Success("Deleted %s: %s", output.Cyan(shortID(it.ID)), it.Title)
	return nil
}

func todoClassifyRun(title string) error {
	c := classify(title, todoDesc)
	fmt.Fprintf(ui.Out, "  Type:       %s\n", c.Type)
	fmt.Fprintf(ui.Out, "  Priority:   %s\n", output.PriorityColor(string(c.Priority)))
	fmt.Fprintf(ui.Out, "  Area:       %s\n", c.Area)
	if c.Fallback {
		ui.VerboseLog("classified with keyword heuristics")
	}
	return nil
}

// findWorkItem finds a work item by full ID or unique prefix.
func findWorkItem(ts *todo.Store, id string) (models.WorkItem, error) {
	// Try exact match first
	if it, ok, err := ts.Get(id); err != nil {
		return models.WorkItem{}, err
	} else if ok {
		return it, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	items, err := ts.ListAll()
	if err != nil {
		return models.WorkItem{}, err
	}
	var matches []models.WorkItem
	for _, it := range items {
		if strings.HasPrefix(it.ID, upper) {
			matches = append(matches, it)
		}
	}

	switch len(matches) {
	case 0:
		return models.WorkItem{}, fmt.Errorf("work item not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return models.WorkItem{}, fmt.Errorf("ambiguous work item ID %s: matches %d items", id, len(matches))
	}
}
