package domain

// NewProjectNode creates a project-level node. Projects share the task lifecycle
// so they can take part in the same dependency edges.
func NewProjectNode(name string) *TaskNode {
	n := NewTaskNode(name)
	n.Kind = KindProject
	return n
}
