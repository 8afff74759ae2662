package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Hermes/pkg/model"
)

// MemoryStore keeps configuration in maps
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow
	nodes     map[int64]model.WorkflowNode
	rules     map[int64][]model.ParamMappingRule
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.Workflow),
		nodes:     make(map[int64]model.WorkflowNode),
		rules:     make(map[int64][]model.ParamMappingRule),
	}
}

func (s *MemoryStore) FindWorkflowByRoute(_ context.Context, route string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[route]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", route, ErrNotFound)
	}
	wf.FirstNodeIDs = append([]int64(nil), wf.FirstNodeIDs...)
	return &wf, nil
}

func (s *MemoryStore) FindNodeByID(_ context.Context, id int64) (*model.WorkflowNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return &node, nil
}

// FindRules returns the node's rules of one phase ordered by id. Missing rules
// are not an error.
func (s *MemoryStore) FindRules(_ context.Context, nodeID int64, phase model.Phase) ([]model.ParamMappingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ParamMappingRule
	for _, r := range s.rules[nodeID] {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.InboundRoute] = *wf
	return nil
}

func (s *MemoryStore) SaveNode(_ context.Context, node *model.WorkflowNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = *node
	return nil
}

// SaveRules replaces rules with the same id and keeps each node's rules
// ordered by id
func (s *MemoryStore) SaveRules(_ context.Context, rules ...model.ParamMappingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		list := s.rules[r.NodeID]
		replaced := false
		for i := range list {
			if list[i].ID == r.ID {
				list[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, r)
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		s.rules[r.NodeID] = list
	}
	return nil
}
