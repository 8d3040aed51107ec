package tasktree

import (
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/cascade/internal/models"
)

// Tree is an arena of task nodes indexed by id. All access goes through the
// tree so background callbacks can touch execution contexts safely.
type Tree struct {
	mu     sync.RWMutex
	nodes  map[string]*Task
	rootID string
	budget Budget
}

// New creates an empty tree using budget for every node it holds.
func New(budget Budget) *Tree {
	return &Tree{
		nodes:  make(map[string]*Task),
		budget: budget,
	}
}

// AddRoot inserts the root node. A tree has at most one root.
func (t *Tree) AddRoot(id, intent string, order int64) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootID != "" {
		return Task{}, ErrRootExists
	}
	if _, ok := t.nodes[id]; ok {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	node := &Task{
		ID:     id,
		Intent: intent,
		Type:   models.TaskTypeRoot,
		State:  models.TaskStatePending,
		Order:  order,
	}
	t.applyBudget(node)
	t.nodes[id] = node
	t.rootID = id
	return node.snapshot(), nil
}

// AddChild inserts a node under parentID. Children of terminal parents are
// rejected because nothing would ever resolve them.
func (t *Tree) AddChild(parentID, id, intent string, typ models.TaskType, order int64) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, parentID)
	}
	if parent.State.IsTerminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrParentTerminal, parentID, parent.State)
	}
	if _, ok := t.nodes[id]; ok {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if typ == models.TaskTypeRoot {
		typ = models.TaskTypePhase
	}
	node := &Task{
		ID:       id,
		Intent:   intent,
		Type:     typ,
		ParentID: parentID,
		Depth:    parent.Depth + 1,
		State:    models.TaskStatePending,
		Order:    order,
	}
	t.applyBudget(node)
	t.nodes[id] = node
	parent.Children = append(parent.Children, id)
	return node.snapshot(), nil
}

// RootID returns the root id, or "" before AddRoot.
func (t *Tree) RootID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Get returns a snapshot of a node.
func (t *Tree) Get(id string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[id]
	if !ok {
		return Task{}, false
	}
	return node.snapshot(), true
}

// Children returns snapshots of a node's children in insertion order.
func (t *Tree) Children(id string) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Task, 0, len(node.Children))
	for _, cid := range node.Children {
		if child, ok := t.nodes[cid]; ok {
			out = append(out, child.snapshot())
		}
	}
	return out
}

// Ancestors returns the chain from the direct parent up to the root.
func (t *Tree) Ancestors(id string) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Task
	node, ok := t.nodes[id]
	for ok && node.ParentID != "" {
		node, ok = t.nodes[node.ParentID]
		if ok {
			out = append(out, node.snapshot())
		}
	}
	return out
}

// Siblings returns the other children of id's parent.
func (t *Tree) Siblings(id string) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[id]
	if !ok || node.ParentID == "" {
		return nil
	}
	parent := t.nodes[node.ParentID]
	var out []Task
	for _, cid := range parent.Children {
		if cid == id {
			continue
		}
		if sib, ok := t.nodes[cid]; ok {
			out = append(out, sib.snapshot())
		}
	}
	return out
}

// Walk visits every node depth-first from the root in child order.
func (t *Tree) Walk(fn func(Task)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootID == "" {
		return
	}
	stack := []string{t.rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := t.nodes[id]
		if !ok {
			continue
		}
		fn(node.snapshot())
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
}

// SetBudget replaces the budget parameters and recomputes every node.
func (t *Tree) SetBudget(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = b
	for _, node := range t.nodes {
		t.applyBudget(node)
	}
}

// Budget returns the current budget parameters.
func (t *Tree) Budget() Budget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.budget
}

// Transition moves a node forward through the lifecycle. Terminal states are
// final and non-terminal states never move backwards.
func (t *Tree) Transition(id string, to models.TaskState, stage string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := checkTransition(node.State, to); err != nil {
		return Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	node.State = to
	if stage != "" {
		node.Stage = stage
	}
	if to.IsTerminal() && node.Context != nil && node.Context.CompletedAt == nil {
		node.Context.MarkCompleted(time.Now().UTC(), contextStatusFor(to))
	}
	return node.snapshot(), nil
}

// SetStage updates the free-text progress note.
func (t *Tree) SetStage(id, stage string) error {
	return t.Update(id, func(n *Task) error {
		n.Stage = stage
		return nil
	})
}

// SetStrategy records the delegator's decision.
func (t *Tree) SetStrategy(id string, s models.Strategy) error {
	return t.Update(id, func(n *Task) error {
		n.Strategy = s
		return nil
	})
}

// MarkRepair flags a node as a repair task.
func (t *Tree) MarkRepair(id string) error {
	return t.Update(id, func(n *Task) error {
		n.IsRepair = true
		return nil
	})
}

// Update runs fn against the live node under the write lock. fn must not
// change State, ParentID, Children or Depth; use Transition and AddChild.
func (t *Tree) Update(id string, fn func(*Task) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return fn(node)
}

// BindContext creates the node's execution context if it has none. Binding
// is idempotent: later calls return the existing context unchanged.
func (t *Tree) BindContext(id string, maxRepairAttempts int) (ExecutionContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[id]
	if !ok {
		return ExecutionContext{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if node.Context == nil {
		if maxRepairAttempts <= 0 {
			maxRepairAttempts = DefaultMaxRepairAttempts
		}
		node.Context = &ExecutionContext{
			CreatedAt:         time.Now().UTC(),
			MaxRepairAttempts: maxRepairAttempts,
			Status:            models.ContextPlanned,
		}
	}
	return node.Context.clone(), nil
}

// UpdateContext runs fn against the live execution context, binding one first
// if needed.
func (t *Tree) UpdateContext(id string, fn func(*ExecutionContext)) error {
	if _, err := t.BindContext(id, 0); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.nodes[id].Context)
	return nil
}

func (t *Tree) applyBudget(node *Task) {
	node.Retention = t.budget.Retention(node.Depth)
	node.Delegation = 1 - node.Retention
}

func checkTransition(from, to models.TaskState) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, from, to)
	}
	if !to.IsTerminal() && to.Rank() < from.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, from, to)
	}
	return nil
}

func (n *Task) snapshot() Task {
	cp := *n
	cp.Children = append([]string(nil), n.Children...)
	if n.Context != nil {
		c := n.Context.clone()
		cp.Context = &c
	}
	return cp
}

func (c *ExecutionContext) clone() ExecutionContext {
	cp := *c
	cp.Commands = append([]models.Command(nil), c.Commands...)
	cp.Dependencies = append([]string(nil), c.Dependencies...)
	cp.RepairHistory = append([]string(nil), c.RepairHistory...)
	return cp
}
