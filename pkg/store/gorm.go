package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wehubfusion/Hermes/pkg/model"
)

type WorkflowPo struct {
	ID           int64             `gorm:"column:id;primaryKey;autoIncrement"`
	Name         string            `gorm:"column:name"`
	InboundRoute string            `gorm:"column:inbound_route;uniqueIndex"`
	ContentType  string            `gorm:"column:content_type"`
	ContentMeta  model.ContentMeta `gorm:"column:content_meta;serializer:json"`
	FirstNodeIDs []int64           `gorm:"column:first_node_ids;serializer:json"`
	Enabled      bool              `gorm:"column:enabled"`
	CreatedAt    int64             `gorm:"column:created_at"`
	UpdatedAt    int64             `gorm:"column:updated_at"`
}

func (WorkflowPo) TableName() string {
	return "workflow"
}

type WorkflowNodePo struct {
	ID                  int64  `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowID          int64  `gorm:"column:workflow_id;index"`
	Name                string `gorm:"column:name"`
	Kind                string `gorm:"column:kind"`
	MetaInfo            string `gorm:"column:meta_info"`
	InputFilterExpr     string `gorm:"column:input_filter_expr"`
	NextNodeExpr        string `gorm:"column:next_node_expr"`
	NextNodeInputSource string `gorm:"column:next_node_input_source"`
	CreatedAt           int64  `gorm:"column:created_at"`
	UpdatedAt           int64  `gorm:"column:updated_at"`
}

func (WorkflowNodePo) TableName() string {
	return "workflow_node"
}

type ParamMappingRulePo struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Phase         string `gorm:"column:phase;index:idx_rule_node_phase"`
	NodeID        int64  `gorm:"column:node_id;index:idx_rule_node_phase"`
	ParentID      *int64 `gorm:"column:parent_id"`
	SourceKey     string `gorm:"column:source_key"`
	SourceType    string `gorm:"column:source_type"`
	Description   string `gorm:"column:description"`
	TargetKey     string `gorm:"column:target_key"`
	TargetType    string `gorm:"column:target_type"`
	SortOrder     int    `gorm:"column:sort_order"`
	MappingKind   string `gorm:"column:mapping_kind"`
	MappingSource string `gorm:"column:mapping_source"`
	MappingRule   string `gorm:"column:mapping_rule"`
}

func (ParamMappingRulePo) TableName() string {
	return "param_mapping_rule"
}

// GormStore reads configuration rows through GORM
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. Call Migrate to create the tables.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the configuration tables
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&WorkflowPo{}, &WorkflowNodePo{}, &ParamMappingRulePo{}); err != nil {
		return errors.WithMessage(err, "Migrate failed")
	}
	return nil
}

func (s *GormStore) FindWorkflowByRoute(ctx context.Context, route string) (*model.Workflow, error) {
	var po WorkflowPo
	err := s.db.WithContext(ctx).Where("inbound_route = ?", route).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "workflow %q", route)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "FindWorkflowByRoute failed")
	}
	return &model.Workflow{
		ID:           po.ID,
		Name:         po.Name,
		InboundRoute: po.InboundRoute,
		ContentType:  model.ParseContentType(po.ContentType),
		ContentMeta:  po.ContentMeta,
		FirstNodeIDs: po.FirstNodeIDs,
		Enabled:      po.Enabled,
	}, nil
}

func (s *GormStore) FindNodeByID(ctx context.Context, id int64) (*model.WorkflowNode, error) {
	var po WorkflowNodePo
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "node %d", id)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "FindNodeByID failed")
	}
	node := &model.WorkflowNode{
		ID:                  po.ID,
		WorkflowID:          po.WorkflowID,
		Name:                po.Name,
		Kind:                model.ParseNodeKind(po.Kind),
		InputFilterExpr:     po.InputFilterExpr,
		NextNodeExpr:        po.NextNodeExpr,
		NextNodeInputSource: model.InputSource(po.NextNodeInputSource),
	}
	if po.MetaInfo != "" {
		node.MetaInfo = json.RawMessage(po.MetaInfo)
	}
	return node, nil
}

func (s *GormStore) FindRules(ctx context.Context, nodeID int64, phase model.Phase) ([]model.ParamMappingRule, error) {
	var pos []ParamMappingRulePo
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND phase = ?", nodeID, string(phase)).
		Order("id ASC").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "FindRules failed")
	}
	rules := make([]model.ParamMappingRule, 0, len(pos))
	for _, po := range pos {
		rules = append(rules, model.ParamMappingRule{
			ID:            po.ID,
			Phase:         model.Phase(po.Phase),
			NodeID:        po.NodeID,
			ParentID:      po.ParentID,
			SourceKey:     po.SourceKey,
			SourceType:    model.ParseParamType(po.SourceType),
			Description:   po.Description,
			TargetKey:     po.TargetKey,
			TargetType:    model.ParseParamType(po.TargetType),
			SortOrder:     po.SortOrder,
			MappingKind:   model.ParseMappingKind(po.MappingKind),
			MappingSource: model.MappingSource(po.MappingSource),
			MappingRule:   po.MappingRule,
		})
	}
	return rules, nil
}

func (s *GormStore) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	if wf == nil {
		return errors.New("nil Workflow")
	}
	now := time.Now().Unix()
	po := &WorkflowPo{
		ID:           wf.ID,
		Name:         wf.Name,
		InboundRoute: wf.InboundRoute,
		ContentType:  string(wf.ContentType),
		ContentMeta:  wf.ContentMeta,
		FirstNodeIDs: wf.FirstNodeIDs,
		Enabled:      wf.Enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(po).Error; err != nil {
		return errors.WithMessage(err, "SaveWorkflow failed")
	}
	wf.ID = po.ID
	return nil
}

func (s *GormStore) SaveNode(ctx context.Context, node *model.WorkflowNode) error {
	if node == nil {
		return errors.New("nil WorkflowNode")
	}
	now := time.Now().Unix()
	po := &WorkflowNodePo{
		ID:                  node.ID,
		WorkflowID:          node.WorkflowID,
		Name:                node.Name,
		Kind:                string(node.Kind),
		MetaInfo:            string(node.MetaInfo),
		InputFilterExpr:     node.InputFilterExpr,
		NextNodeExpr:        node.NextNodeExpr,
		NextNodeInputSource: string(node.NextNodeInputSource),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(po).Error; err != nil {
		return errors.WithMessage(err, "SaveNode failed")
	}
	node.ID = po.ID
	return nil
}

func (s *GormStore) SaveRules(ctx context.Context, rules ...model.ParamMappingRule) error {
	if len(rules) == 0 {
		return nil
	}
	pos := make([]ParamMappingRulePo, 0, len(rules))
	for _, r := range rules {
		pos = append(pos, ParamMappingRulePo{
			ID:            r.ID,
			Phase:         string(r.Phase),
			NodeID:        r.NodeID,
			ParentID:      r.ParentID,
			SourceKey:     r.SourceKey,
			SourceType:    string(r.SourceType),
			Description:   r.Description,
			TargetKey:     r.TargetKey,
			TargetType:    string(r.TargetType),
			SortOrder:     r.SortOrder,
			MappingKind:   string(r.MappingKind),
			MappingSource: string(r.MappingSource),
			MappingRule:   r.MappingRule,
		})
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&pos).Error; err != nil {
		return errors.WithMessage(err, "SaveRules failed")
	}
	return nil
}
