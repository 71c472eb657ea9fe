package domain

import "time"

const SnapshotVersion = 1

// PendingStart is a StartAfter candidate waiting for its due time.
type PendingStart struct {
	NodeID   string    `json:"nodeId"`
	SourceID string    `json:"sourceId"`
	Due      time.Time `json:"due"`
}

// Snapshot is the persisted form of a dependency graph.
type Snapshot struct {
	Version int              `json:"version"`
	TakenAt time.Time        `json:"takenAt"`
	Nodes   []*TaskNode      `json:"nodes"`
	Edges   []DependencyEdge `json:"edges"`
	Pending []PendingStart   `json:"pending,omitempty"`

	// Cursors holds, per node, the last instant its schedule was checked.
	Cursors map[string]time.Time `json:"cursors,omitempty"`
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		Version: s.Version,
		TakenAt: s.TakenAt,
		Nodes:   make([]*TaskNode, 0, len(s.Nodes)),
		Edges:   append([]DependencyEdge(nil), s.Edges...),
		Pending: append([]PendingStart(nil), s.Pending...),
	}
	for _, n := range s.Nodes {
		c.Nodes = append(c.Nodes, n.Clone())
	}
	if s.Cursors != nil {
		c.Cursors = make(map[string]time.Time, len(s.Cursors))
		for k, v := range s.Cursors {
			c.Cursors[k] = v
		}
	}
	return c
}
