// Package todo persists a hierarchical work-item tree as one markdown record
// per item, with YAML front matter holding the structured fields.
package todo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/forge/internal/ids"
	"github.com/joescharf/forge/internal/models"
)

var (
	ErrParentNotFound = errors.New("parent work item not found")
	ErrInvalidItem    = errors.New("invalid work item")
	ErrCycle          = errors.New("move would make an item its own ancestor")
)

// Patch holds the fields Update may change. Nil fields are left untouched.
type Patch struct {
	Title           *string
	Description     *string
	Type            *models.WorkItemType
	Status          *models.WorkItemStatus
	Priority        *models.Priority
	Area            *string
	Effort          *string
	Assignee        *string
	DueDate         *string
	Tags            *[]string
	Category        *models.Category
	BranchName      *string
	WorkspacePath   *string
	WorkspaceStatus *string
}

// Store is a directory of <id>.md work-item records.
type Store struct {
	dir string
	now func() time.Time

	mu       sync.RWMutex
	lastRoot int64
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create todo dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the directory records are stored in.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) (string, bool) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", false
	}
	return filepath.Join(s.dir, id+fileExt), true
}

// Create stores a new item under parentID (empty for a root). Children are
// appended after their siblings; roots are ordered by creation.
func (s *Store) Create(parentID string, fields models.WorkItem) (models.WorkItem, error) {
	item := fields
	if strings.TrimSpace(item.Title) == "" {
		return models.WorkItem{}, fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	applyDefaults(&item)
	if err := validate(item); err != nil {
		return models.WorkItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item.ID = ids.New()
	item.ParentID = parentID
	if parentID != "" {
		parent, ok, err := s.load(parentID)
		if err != nil {
			return models.WorkItem{}, err
		}
		if !ok {
			return models.WorkItem{}, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
		siblings, err := s.children(parentID)
		if err != nil {
			return models.WorkItem{}, err
		}
		item.Depth = parent.Depth + 1
		item.OrderIndex = int64(len(siblings))
		if item.Project == "" {
			item.Project = parent.Project
		}
	} else {
		item.Depth = 0
		item.OrderIndex = s.nextRootIndex()
	}
	now := s.now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := s.save(item); err != nil {
		return models.WorkItem{}, err
	}
	return item, nil
}

// nextRootIndex returns a strictly increasing millisecond timestamp.
func (s *Store) nextRootIndex() int64 {
	idx := s.now().UnixMilli()
	if idx <= s.lastRoot {
		idx = s.lastRoot + 1
	}
	s.lastRoot = idx
	return idx
}

// Get loads one item. ok is false when no record exists.
func (s *Store) Get(id string) (models.WorkItem, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

// Update merges patch onto the stored item and stamps UpdatedAt.
func (s *Store) Update(id string, patch Patch) (models.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok, err := s.load(id)
	if err != nil || !ok {
		return models.WorkItem{}, ok, err
	}
	patch.apply(&item)
	if strings.TrimSpace(item.Title) == "" {
		return models.WorkItem{}, true, fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	if err := validate(item); err != nil {
		return models.WorkItem{}, true, err
	}
	item.UpdatedAt = s.now().UTC()
	if err := s.save(item); err != nil {
		return models.WorkItem{}, true, err
	}
	return item, true, nil
}

func (p Patch) apply(item *models.WorkItem) {
	setString(&item.Title, p.Title)
	setString(&item.Description, p.Description)
	if p.Type != nil {
		item.Type = *p.Type
	}
	if p.Status != nil {
		item.Status = *p.Status
	}
	if p.Priority != nil {
		item.Priority = *p.Priority
	}
	setString(&item.Area, p.Area)
	setString(&item.Effort, p.Effort)
	setString(&item.Assignee, p.Assignee)
	setString(&item.DueDate, p.DueDate)
	if p.Tags != nil {
		item.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Category != nil {
		c := *p.Category
		item.Category = &c
	}
	setString(&item.BranchName, p.BranchName)
	setString(&item.WorkspacePath, p.WorkspacePath)
	setString(&item.WorkspaceStatus, p.WorkspaceStatus)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Delete removes id, and with cascade every descendant first. ok is false
// when id does not exist.
func (s *Store) Delete(id string, cascade bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err := s.load(id)
	if err != nil || !ok {
		return false, err
	}
	if cascade {
		if err := s.deleteDescendants(id); err != nil {
			return true, err
		}
	}
	if err := s.remove(id); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) deleteDescendants(id string) error {
	kids, err := s.children(id)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if err := s.deleteDescendants(k.ID); err != nil {
			return err
		}
		if err := s.remove(k.ID); err != nil {
			return err
		}
	}
	return nil
}

// Move re-parents id under newParentID (empty promotes to root) and
// recomputes depth for the whole moved subtree. A nil orderIndex appends the
// item after its new siblings when the parent changes.
func (s *Store) Move(id, newParentID string, orderIndex *int64) (models.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok, err := s.load(id)
	if err != nil || !ok {
		return models.WorkItem{}, ok, err
	}
	all, err := s.listAll()
	if err != nil {
		return models.WorkItem{}, true, err
	}
	byID := make(map[string]models.WorkItem, len(all))
	for _, it := range all {
		byID[it.ID] = it
	}

	depth := 0
	if newParentID != "" {
		parent, ok := byID[newParentID]
		if !ok {
			return models.WorkItem{}, true, fmt.Errorf("%w: %s", ErrParentNotFound, newParentID)
		}
		p := parent
		for range all {
			if p.ID == id {
				return models.WorkItem{}, true, ErrCycle
			}
			next, ok := byID[p.ParentID]
			if p.ParentID == "" || !ok {
				break
			}
			p = next
		}
		depth = parent.Depth + 1
	}

	reparented := item.ParentID != newParentID
	item.ParentID = newParentID
	item.Depth = depth
	switch {
	case orderIndex != nil:
		item.OrderIndex = *orderIndex
	case reparented && newParentID != "":
		n := 0
		for _, it := range all {
			if it.ParentID == newParentID && it.ID != id {
				n++
			}
		}
		item.OrderIndex = int64(n)
	case reparented:
		item.OrderIndex = s.nextRootIndex()
	}
	now := s.now().UTC()
	item.UpdatedAt = now
	if err := s.save(item); err != nil {
		return models.WorkItem{}, true, err
	}

	kids := childIndex(all)
	visited := map[string]bool{id: true}
	var repair func(parentID string, depth int) error
	repair = func(parentID string, depth int) error {
		for _, k := range kids[parentID] {
			if visited[k.ID] {
				continue
			}
			visited[k.ID] = true
			if k.Depth != depth {
				k.Depth = depth
				k.UpdatedAt = now
				if err := s.save(k); err != nil {
					return err
				}
			}
			if err := repair(k.ID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := repair(id, depth+1); err != nil {
		return models.WorkItem{}, true, err
	}
	return item, true, nil
}

// ListAll returns every item sorted by depth then order index.
func (s *Store) ListAll() ([]models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items, err := s.listAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Depth != items[j].Depth {
			return items[i].Depth < items[j].Depth
		}
		return items[i].OrderIndex < items[j].OrderIndex
	})
	return items, nil
}

// ListChildren returns the direct children of parentID ordered by order index.
func (s *Store) ListChildren(parentID string) ([]models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.children(parentID)
}

// BuildTree loads every item and assembles the tree.
func (s *Store) BuildTree() ([]*models.TreeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items, err := s.listAll()
	if err != nil {
		return nil, err
	}
	return BuildTree(items), nil
}

// BuildTree nests items under their parents. Items whose parent is absent,
// or whose ancestry loops back on itself, are returned as roots. Every level
// is sorted by order index.
func BuildTree(items []models.WorkItem) []*models.TreeNode {
	nodes := make([]*models.TreeNode, len(items))
	byID := make(map[string]int, len(items))
	for i := range items {
		it := items[i]
		nodes[i] = &models.TreeNode{Item: &it}
		if _, dup := byID[it.ID]; !dup {
			byID[it.ID] = i
		}
	}
	var roots []*models.TreeNode
	for i, n := range nodes {
		p, ok := byID[n.Item.ParentID]
		if n.Item.ParentID == "" || !ok || inCycle(items, byID, i) {
			roots = append(roots, n)
			continue
		}
		nodes[p].Children = append(nodes[p].Children, n)
	}
	sortNodes(roots)
	return roots
}

// inCycle reports whether following parents from items[i] returns to i.
func inCycle(items []models.WorkItem, byID map[string]int, i int) bool {
	cur := i
	for range items {
		p, ok := byID[items[cur].ParentID]
		if items[cur].ParentID == "" || !ok {
			return false
		}
		if p == i {
			return true
		}
		cur = p
	}
	return false
}

func sortNodes(nodes []*models.TreeNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Item.OrderIndex < nodes[j].Item.OrderIndex
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

func childIndex(items []models.WorkItem) map[string][]models.WorkItem {
	kids := make(map[string][]models.WorkItem)
	for _, it := range items {
		if it.ParentID != "" {
			kids[it.ParentID] = append(kids[it.ParentID], it)
		}
	}
	return kids
}

func (s *Store) children(parentID string) ([]models.WorkItem, error) {
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []models.WorkItem
	for _, it := range all {
		if it.ParentID == parentID && parentID != "" {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (s *Store) listAll() ([]models.WorkItem, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read todo dir: %w", err)
	}
	var items []models.WorkItem
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		item, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) load(id string) (models.WorkItem, bool, error) {
	p, ok := s.path(id)
	if !ok {
		return models.WorkItem{}, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.WorkItem{}, false, nil
		}
		return models.WorkItem{}, false, fmt.Errorf("read %s: %w", id, err)
	}
	item, err := Parse(data)
	if err != nil {
		return models.WorkItem{}, false, fmt.Errorf("parse %s: %w", id, err)
	}
	return item, true, nil
}

// save writes item atomically via a temp file and rename.
func (s *Store) save(item models.WorkItem) error {
	p, ok := s.path(item.ID)
	if !ok {
		return fmt.Errorf("%w: bad id %q", ErrInvalidItem, item.ID)
	}
	data, err := Serialize(item)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", item.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", item.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", item.ID, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) remove(id string) error {
	p, ok := s.path(id)
	if !ok {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func applyDefaults(item *models.WorkItem) {
	if item.Type == "" {
		item.Type = models.TypeTask
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.Priority == "" {
		item.Priority = models.PriorityMedium
	}
	if item.Area == "" {
		item.Area = "general"
	}
}

func validate(item models.WorkItem) error {
	if !ValidType(item.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, item.Type)
	}
	if !ValidStatus(item.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, item.Status)
	}
	if !ValidPriority(item.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidItem, item.Priority)
	}
	return nil
}

// ValidType reports whether t is a known work-item type.
func ValidType(t models.WorkItemType) bool {
	switch t {
	case models.TypeEpic, models.TypeFeature, models.TypeStory, models.TypeTask, models.TypeSubtask, models.TypeBug:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s models.WorkItemStatus) bool {
	switch s {
	case models.StatusPending, models.StatusPlanned, models.StatusInProgress,
		models.StatusInReview, models.StatusDone, models.StatusDeferred:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p models.Priority) bool {
	switch p {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityCritical:
		return true
	}
	return false
}
