package adapter

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Hermes/pkg/codec"
	"github.com/wehubfusion/Hermes/pkg/mapping"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// MockCaller answers with metaInfo.response without any remote call
type MockCaller struct{}

func (MockCaller) Call(_ context.Context, node *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error) {
	request, _ := json.Marshal(mapping.FlattenDefault(params))
	ex := &Exchange{Request: string(request)}

	resp := gjson.GetBytes(node.MetaInfo, "response")
	if !resp.Exists() {
		return map[string]any{}, ex, nil
	}
	ex.Response = resp.Raw
	v, err := codec.DecodeJSONValue([]byte(resp.Raw))
	if err != nil {
		return nil, ex, err
	}
	return v, ex, nil
}

// NoneCaller does nothing and returns an empty document
type NoneCaller struct{}

func (NoneCaller) Call(context.Context, *model.WorkflowNode, []*model.ParamTreeNode) (any, *Exchange, error) {
	return map[string]any{}, &Exchange{}, nil
}
