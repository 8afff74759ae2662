package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeKind(t *testing.T) {
	tests := []struct {
		in   string
		want NodeKind
	}{
		{"http", KindHTTP},
		{"DATABASE", KindSQL},
		{"sql", KindSQL},
		{"WebService", KindSOAP},
		{"mock", KindMock},
		{"grpc", KindNone},
		{"", KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseNodeKind(tt.in))
		})
	}
}

func TestRuleUnmarshal(t *testing.T) {
	raw := `{"id":3,"phase":"PRE","nodeId":1,"parentId":2,"sourceKey":"name",
		"sourceType":"string","targetKey":"patientName","targetType":"pure_array",
		"sortOrder":1,"mappingKind":"expression","mappingRule":"data.toUpperCase()"}`

	var r ParamMappingRule
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.Equal(t, TypeString, r.SourceType)
	assert.Equal(t, TypePureArray, r.TargetType)
	assert.True(t, r.TargetType.IsArray())
	assert.Equal(t, MappingExpression, r.MappingKind)
	require.NotNil(t, r.ParentID)
	assert.Equal(t, int64(2), *r.ParentID)
	assert.False(t, r.IsRoot())
}

func TestParseContentType(t *testing.T) {
	assert.Equal(t, ContentXML, ParseContentType("xml"))
	assert.Equal(t, ContentJSON, ParseContentType("json"))
	assert.Equal(t, ContentJSON, ParseContentType(""))
}
