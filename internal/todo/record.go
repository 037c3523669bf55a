package todo

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/forge/internal/models"
)

const (
	frontMatterDelim   = "---"
	descriptionHeading = "## Description\n\n"
	generatedMarker    = "<!-- forge:generated -->"
	fileExt            = ".md"
)

// header is the YAML front matter of a work-item record.
type header struct {
	ID              string           `yaml:"id"`
	Title           string           `yaml:"title"`
	Type            string           `yaml:"type"`
	Status          string           `yaml:"status"`
	Priority        string           `yaml:"priority"`
	Area            string           `yaml:"area"`
	ParentID        *string          `yaml:"parent_id"`
	Depth           int              `yaml:"depth"`
	OrderIndex      int64            `yaml:"order_index"`
	CreatedAt       string           `yaml:"created_at"`
	UpdatedAt       string           `yaml:"updated_at"`
	Project         string           `yaml:"project"`
	Effort          string           `yaml:"effort,omitempty"`
	Assignee        string           `yaml:"assignee,omitempty"`
	DueDate         string           `yaml:"due_date,omitempty"`
	Tags            []string         `yaml:"tags,omitempty"`
	Category        *models.Category `yaml:"category,omitempty"`
	BranchName      string           `yaml:"branch_name,omitempty"`
	WorkspacePath   string           `yaml:"workspace_path,omitempty"`
	WorkspaceStatus string           `yaml:"workspace_status,omitempty"`
}

// Serialize renders item as YAML front matter, a title heading, the
// description body, and a generated details section.
func Serialize(item models.WorkItem) ([]byte, error) {
	h := header{
		ID:              item.ID,
		Title:           item.Title,
		Type:            string(item.Type),
		Status:          string(item.Status),
		Priority:        string(item.Priority),
		Area:            item.Area,
		Depth:           item.Depth,
		OrderIndex:      item.OrderIndex,
		CreatedAt:       item.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Project:         item.Project,
		Effort:          item.Effort,
		Assignee:        item.Assignee,
		DueDate:         item.DueDate,
		Tags:            item.Tags,
		Category:        item.Category,
		BranchName:      item.BranchName,
		WorkspacePath:   item.WorkspacePath,
		WorkspaceStatus: item.WorkspaceStatus,
	}
	if item.ParentID != "" {
		p := item.ParentID
		h.ParentID = &p
	}
	fm, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(frontMatterDelim + "\n")
	sb.Write(fm)
	sb.WriteString(frontMatterDelim + "\n\n")
	sb.WriteString("# " + strings.ReplaceAll(item.Title, "\n", " ") + "\n\n")
	sb.WriteString(descriptionHeading)
	sb.WriteString(item.Description)
	sb.WriteString("\n\n" + generatedMarker + "\n")
	writeDetails(&sb, item)
	return []byte(sb.String()), nil
}

// writeDetails renders the derived summary section. It is never parsed.
func writeDetails(sb *strings.Builder, item models.WorkItem) {
	sb.WriteString("## Details\n\n")
	fmt.Fprintf(sb, "- **Type:** %s\n", item.Type)
	fmt.Fprintf(sb, "- **Status:** %s\n", item.Status)
	fmt.Fprintf(sb, "- **Priority:** %s\n", item.Priority)
	fmt.Fprintf(sb, "- **Depth:** %d\n", item.Depth)
	if item.ParentID != "" {
		fmt.Fprintf(sb, "- **Parent:** %s\n", item.ParentID)
	}
	sb.WriteString("\n## Checklist\n\n- [ ] Implementation\n- [ ] Tests\n- [ ] Review\n")
}

// Parse reads a record produced by Serialize.
func Parse(data []byte) (models.WorkItem, error) {
	var item models.WorkItem
	content := string(data)
	if !strings.HasPrefix(content, frontMatterDelim+"\n") {
		return item, fmt.Errorf("no front matter delimiter found")
	}
	rest := content[len(frontMatterDelim)+1:]
	idx := strings.Index(rest, "\n"+frontMatterDelim+"\n")
	if idx < 0 {
		return item, fmt.Errorf("no closing front matter delimiter found")
	}

	var h header
	if err := yaml.Unmarshal([]byte(rest[:idx+1]), &h); err != nil {
		return item, fmt.Errorf("unmarshal front matter: %w", err)
	}
	if h.ID == "" {
		return item, fmt.Errorf("front matter missing id")
	}
	body := rest[idx+len(frontMatterDelim)+2:]

	created, err := parseTime(h.CreatedAt)
	if err != nil {
		return item, fmt.Errorf("created_at: %w", err)
	}
	updated, err := parseTime(h.UpdatedAt)
	if err != nil {
		return item, fmt.Errorf("updated_at: %w", err)
	}

	item = models.WorkItem{
		ID:              h.ID,
		Title:           h.Title,
		Description:     extractDescription(body),
		Type:            models.WorkItemType(h.Type),
		Status:          models.WorkItemStatus(h.Status),
		Priority:        models.Priority(h.Priority),
		Area:            h.Area,
		Depth:           h.Depth,
		OrderIndex:      h.OrderIndex,
		Project:         h.Project,
		Effort:          h.Effort,
		Assignee:        h.Assignee,
		DueDate:         h.DueDate,
		Tags:            h.Tags,
		Category:        h.Category,
		BranchName:      h.BranchName,
		WorkspacePath:   h.WorkspacePath,
		WorkspaceStatus: h.WorkspaceStatus,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
	if h.ParentID != nil {
		item.ParentID = *h.ParentID
	}
	return item, nil
}

// extractDescription returns the text between the Description heading and
// the last generated marker, verbatim.
func extractDescription(body string) string {
	body = strings.TrimLeft(body, "\n")
	if strings.HasPrefix(body, "# ") {
		if nl := strings.Index(body, "\n"); nl >= 0 {
			body = body[nl+1:]
		}
	}
	start := strings.Index(body, descriptionHeading)
	if start < 0 {
		return ""
	}
	desc := body[start+len(descriptionHeading):]
	if end := strings.LastIndex(desc, "\n\n"+generatedMarker); end >= 0 {
		return desc[:end]
	}
	return strings.TrimRight(desc, "\n")
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
