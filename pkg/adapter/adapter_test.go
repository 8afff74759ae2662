package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Hermes/pkg/audit"
	"github.com/wehubfusion/Hermes/pkg/codec"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/metrics"
	"github.com/wehubfusion/Hermes/pkg/model"
	"github.com/wehubfusion/Hermes/pkg/store"
)

type recordingMetrics struct {
	mu    sync.Mutex
	nodes []string
}

func (m *recordingMetrics) ObserveNode(kind, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, kind+":"+outcome)
}

func (m *recordingMetrics) ObserveDispatch(string, string, time.Duration) {}
func (m *recordingMetrics) ObserveBranch(string)                          {}

var _ metrics.Collector = (*recordingMetrics)(nil)

func leaf(id int64, phase model.Phase, target string, targetType model.ParamType, source string) model.ParamMappingRule {
	return model.ParamMappingRule{
		ID:          id,
		Phase:       phase,
		NodeID:      1,
		SourceKey:   source,
		SourceType:  model.TypeNone,
		TargetKey:   target,
		TargetType:  targetType,
		MappingKind: model.MappingName,
	}
}

func metaJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func seedRules(t *testing.T, rules ...model.ParamMappingRule) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveRules(context.Background(), rules...))
	return s
}

func TestAdapterInvokeHTTP(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json;charset=UTF-8", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"result":{"mrn":"M1","ward":"ICU"}}`))
	}))
	defer srv.Close()

	rules := seedRules(t,
		leaf(1, model.PhasePre, "name", model.TypeString, "patientName"),
		leaf(2, model.PhasePre, "id", model.TypeInteger, "pid"),
		leaf(3, model.PhasePost, "code", model.TypeInteger, "code"),
		model.ParamMappingRule{ID: 4, Phase: model.PhasePost, NodeID: 1, SourceKey: "result", SourceType: model.TypeObject,
			TargetKey: "result", TargetType: model.TypeObject, MappingKind: model.MappingName},
		model.ParamMappingRule{ID: 5, Phase: model.PhasePost, NodeID: 1, ParentID: model.Int64(4), SourceKey: "mrn",
			SourceType: model.TypeNone, TargetKey: "mrn", TargetType: model.TypeString, MappingKind: model.MappingName},
	)

	var events []audit.Event
	collector := &recordingMetrics{}
	a := New(NewHTTPCaller(srv.Client(), nil), rules, nil,
		WithRecorder(audit.RecorderFunc(func(e audit.Event) { events = append(events, e) })),
		WithMetrics(collector))

	node := &model.WorkflowNode{ID: 1, Name: "patient", Kind: model.KindHTTP,
		MetaInfo: metaJSON(t, map[string]any{"url": srv.URL + "/patient", "method": "POST", "headers": map[string]string{"X-Token": "secret"}})}

	ctx := audit.WithRoute(context.Background(), "/patient/query")
	out, err := a.Invoke(ctx, node, map[string]any{"patientName": "alice", "pid": "42"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "alice", "id": float64(42)}, gotBody)
	assert.Equal(t, map[string]any{
		"code":   int64(200),
		"result": map[string]any{"mrn": "M1"},
	}, out)

	require.Len(t, events, 1)
	assert.Equal(t, "/patient/query", events[0].Route)
	assert.Equal(t, int64(1), events[0].NodeID)
	assert.JSONEq(t, `{"id":42,"name":"alice"}`, events[0].RawRequest)
	assert.Contains(t, events[0].RawResponse, `"mrn":"M1"`)
	assert.Empty(t, events[0].Error)
	assert.Equal(t, []string{"HTTP:" + metrics.OutcomeSuccess}, collector.nodes)
}

func TestAdapterInvokeWithoutPostRulesReturnsEmpty(t *testing.T) {
	rules := seedRules(t, leaf(1, model.PhasePre, "name", model.TypeString, "name"))
	called := false
	caller := CallerFunc(func(_ context.Context, _ *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error) {
		called = true
		require.Len(t, params, 1)
		assert.Equal(t, "bob", params[0].Value)
		return map[string]any{"ignored": true}, &Exchange{}, nil
	})

	out, err := New(caller, rules, nil).Invoke(context.Background(), &model.WorkflowNode{ID: 1, Kind: model.KindHTTP},
		map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, out)
}

func TestAdapterWrapsUntypedCallErrors(t *testing.T) {
	tests := []struct {
		name     string
		callErr  error
		wantCode string
	}{
		{name: "untyped", callErr: errors.New("connection refused"), wantCode: gwerrors.CodeRemoteInvoke},
		{name: "typed", callErr: gwerrors.NewMissingSQLConfig("no datasource", nil), wantCode: gwerrors.CodeMissingSQLConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := &recordingMetrics{}
			caller := CallerFunc(func(context.Context, *model.WorkflowNode, []*model.ParamTreeNode) (any, *Exchange, error) {
				return nil, nil, tt.callErr
			})
			var events []audit.Event
			a := New(caller, store.NewMemoryStore(), nil,
				WithMetrics(collector),
				WithRecorder(audit.RecorderFunc(func(e audit.Event) { events = append(events, e) })))

			_, err := a.Invoke(context.Background(), &model.WorkflowNode{ID: 7, Kind: model.KindSQL}, map[string]any{})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, gwerrors.CodeOf(err))
			assert.ErrorIs(t, err, tt.callErr)
			require.Len(t, events, 1)
			assert.NotEmpty(t, events[0].Error)
			assert.Equal(t, []string{"SQL:" + metrics.OutcomeError}, collector.nodes)
		})
	}
}

func TestAdapterWrapsListResponses(t *testing.T) {
	rules := seedRules(t, model.ParamMappingRule{ID: 1, Phase: model.PhasePost, NodeID: 1, SourceKey: "data",
		SourceType: model.TypeArray, TargetKey: "items", TargetType: model.TypeArray, MappingKind: model.MappingDirect})
	caller := CallerFunc(func(context.Context, *model.WorkflowNode, []*model.ParamTreeNode) (any, *Exchange, error) {
		return []any{"a", "b"}, &Exchange{}, nil
	})

	out, err := New(caller, rules, nil).Invoke(context.Background(), &model.WorkflowNode{ID: 1, Kind: model.KindHTTP}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{"a", "b"}}, out)
}

func TestHTTPCaller(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		meta    map[string]any
		params  []*model.ParamTreeNode
		want    any
		wantErr string
	}{
		{
			name: "xml response",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<Response><code>200</code><data><name>alice</name></data></Response>`))
			},
			meta: map[string]any{"responseType": "xml"},
			want: map[string]any{"code": "200", "data": map[string]any{"name": "alice"}},
		},
		{
			name: "get sends query string",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "42", r.URL.Query().Get("id"))
				assert.Equal(t, []string{"a", "b"}, r.URL.Query()["tag"])
				_, _ = w.Write([]byte(`{"ok":true}`))
			},
			meta: map[string]any{"method": "get"},
			params: []*model.ParamTreeNode{
				{Key: "id", Value: int64(42), Type: model.TypeInteger},
				{Key: "tag", Type: model.TypeArray, Value: []any{"a", "b"}},
			},
			want: map[string]any{"ok": true},
		},
		{
			name: "empty method is get",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "P1", r.URL.Query().Get("pid"))
				body, _ := io.ReadAll(r.Body)
				assert.Empty(t, body)
				_, _ = w.Write([]byte(`{"ok":true}`))
			},
			params: []*model.ParamTreeNode{{Key: "pid", Value: "P1", Type: model.TypeString}},
			want:   map[string]any{"ok": true},
		},
		{
			name: "pure array body is a list",
			handler: func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.JSONEq(t, `["x","y"]`, string(body))
				_, _ = w.Write([]byte(`[1,2]`))
			},
			meta: map[string]any{"method": "post"},
			params: []*model.ParamTreeNode{{
				Key: "codes", Type: model.TypePureArray,
				Children: []*model.ParamTreeNode{
					{Key: "item", Type: model.TypeObject, Children: []*model.ParamTreeNode{{Key: "code", Value: "x", Type: model.TypeString}}},
					{Key: "item", Type: model.TypeObject, Children: []*model.ParamTreeNode{{Key: "code", Value: "y", Type: model.TypeString}}},
				},
			}},
			want: []any{float64(1), float64(2)},
		},
		{
			name: "gbk response",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				body, err := codec.EncodeCharset([]byte(`{"name":"张三"}`), "GBK")
				require.NoError(t, err)
				w.Header().Set("Content-Type", "application/json;charset=GBK")
				_, _ = w.Write(body)
			},
			want: map[string]any{"name": "张三"},
		},
		{
			name: "non 2xx",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`upstream down`))
			},
			wantErr: gwerrors.CodeRemoteInvoke,
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"broken`))
			},
			wantErr: gwerrors.CodeRemoteInvoke,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			meta := map[string]any{"url": srv.URL}
			for k, v := range tt.meta {
				meta[k] = v
			}
			node := &model.WorkflowNode{ID: 3, Kind: model.KindHTTP, MetaInfo: metaJSON(t, meta)}

			got, ex, err := NewHTTPCaller(srv.Client(), nil).Call(context.Background(), node, tt.params)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, gwerrors.CodeOf(err))
				require.NotNil(t, ex)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, ex.Response)
		})
	}
}

func TestHTTPCallerRejectsInvalidMeta(t *testing.T) {
	tests := []struct {
		name string
		meta json.RawMessage
	}{
		{name: "empty", meta: nil},
		{name: "missing url", meta: json.RawMessage(`{"method":"POST"}`)},
		{name: "bad method", meta: json.RawMessage(`{"url":"http://x.test","method":"FETCH"}`)},
		{name: "put is unsupported", meta: json.RawMessage(`{"url":"http://x.test","method":"PUT"}`)},
		{name: "delete is unsupported", meta: json.RawMessage(`{"url":"http://x.test","method":"delete"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewHTTPCaller(nil, nil).Call(context.Background(), &model.WorkflowNode{ID: 1, MetaInfo: tt.meta}, nil)
			assert.ErrorIs(t, err, gwerrors.ErrInvalidConfig)
		})
	}
}

func TestTreeXML(t *testing.T) {
	tests := []struct {
		name  string
		nodes []*model.ParamTreeNode
		want  string
	}{
		{
			name:  "scalar",
			nodes: []*model.ParamTreeNode{{Key: "Foo", Value: int64(1), Type: model.TypeInteger}},
			want:  "<Foo>1</Foo>",
		},
		{
			name: "empty leaves",
			nodes: []*model.ParamTreeNode{
				{Key: "Bar", Type: model.TypeInteger},
				{Key: "Name", Type: model.TypeString},
			},
			want: "<Bar/><Name></Name>",
		},
		{
			name: "attributes and children",
			nodes: []*model.ParamTreeNode{{
				Key: "Patient", Type: model.TypeObject,
				Attributes: []*model.ParamTreeNode{{Key: "id", Value: "7", Type: model.TypeString}},
				Children:   []*model.ParamTreeNode{{Key: "Name", Value: "A&B", Type: model.TypeString}},
			}},
			want: `<Patient id="7"><Name>A&amp;B</Name></Patient>`,
		},
		{
			name: "copied sub-document",
			nodes: []*model.ParamTreeNode{{
				Key: "Visit", Type: model.TypeObject,
				Value: map[string]any{"no": "V1", "beds": []any{"1", "2"}},
			}},
			want: "<Visit><beds>1</beds><beds>2</beds><no>V1</no></Visit>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TreeXML(tt.nodes))
		})
	}
}

func TestBuildEnvelope(t *testing.T) {
	token := "abc"
	meta := SOAPMeta{
		Envelope: map[string]string{
			"xmlns:web":     "http://hermes.test/ws",
			"xmlns:soapenv": "http://schemas.xmlsoap.org/soap/envelope/",
		},
		Header: map[string]SOAPHeaderElement{
			"auth": {Element: "web:Auth", Children: map[string]SOAPHeaderElement{
				"token": {Element: "web:Token", Value: &token},
			}},
		},
		Body: "<web:Call>${inputParam}</web:Call>",
	}
	params := []*model.ParamTreeNode{{Key: "Foo", Value: int64(1), Type: model.TypeInteger}}

	want := `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:web="http://hermes.test/ws">` +
		`<soapenv:Header><web:Auth><web:Token>abc</web:Token></web:Auth></soapenv:Header>` +
		`<soapenv:Body><web:Call><Foo>1</Foo></web:Call></soapenv:Body></soapenv:Envelope>`
	assert.Equal(t, want, BuildEnvelope(meta, params))
}

func TestSOAPCaller(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/xml;charset=UTF-8", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/xml;charset=UTF-8")
		_, _ = w.Write([]byte(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>` +
			`<CallResponse><MessageInResult><![CDATA[<Response><Code>200</Code><Mrn>M1</Mrn></Response>]]></MessageInResult></CallResponse>` +
			`</soap:Body></soap:Envelope>`))
	}))
	defer srv.Close()

	node := &model.WorkflowNode{ID: 4, Kind: model.KindSOAP, MetaInfo: metaJSON(t, map[string]any{
		"url":  srv.URL,
		"body": "<Call>${inputParam}</Call>",
	})}
	params := []*model.ParamTreeNode{{Key: "Foo", Value: int64(1), Type: model.TypeInteger}}

	got, ex, err := NewSOAPCaller(srv.Client(), nil).Call(context.Background(), node, params)
	require.NoError(t, err)
	assert.Contains(t, gotBody, "<soapenv:Body><Call><Foo>1</Foo></Call></soapenv:Body>")
	assert.Equal(t, gotBody, ex.Request)
	assert.Equal(t, map[string]any{"Code": "200", "Mrn": "M1"}, got)
}

func TestSOAPCallerRequiresInputParam(t *testing.T) {
	node := &model.WorkflowNode{ID: 4, Kind: model.KindSOAP,
		MetaInfo: json.RawMessage(`{"url":"http://soap.test","body":"<Call/>"}`)}
	_, _, err := NewSOAPCaller(nil, nil).Call(context.Background(), node, nil)
	assert.ErrorIs(t, err, gwerrors.ErrInvalidConfig)
}

func TestMockAndNoneCallers(t *testing.T) {
	tests := []struct {
		name   string
		caller Caller
		meta   json.RawMessage
		want   any
	}{
		{name: "mock response", caller: MockCaller{}, meta: json.RawMessage(`{"response":{"code":"200","rsp":{"n":1}}}`),
			want: map[string]any{"code": "200", "rsp": map[string]any{"n": float64(1)}}},
		{name: "mock list", caller: MockCaller{}, meta: json.RawMessage(`{"response":[1,2]}`), want: []any{float64(1), float64(2)}},
		{name: "mock without response", caller: MockCaller{}, meta: json.RawMessage(`{}`), want: map[string]any{}},
		{name: "none", caller: NoneCaller{}, want: map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ex, err := tt.caller.Call(context.Background(), &model.WorkflowNode{ID: 1, MetaInfo: tt.meta}, nil)
			require.NoError(t, err)
			require.NotNil(t, ex)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindMock, New(MockCaller{}, store.NewMemoryStore(), nil))

	out, err := reg.Invoke(context.Background(), &model.WorkflowNode{ID: 1, Kind: model.KindHTTP}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Empty(t, out, "unregistered kinds fall back to the no-op invoker")

	_, ok := reg.Lookup(model.KindMock).(*Adapter)
	assert.True(t, ok)

	reg.SetFallback(New(CallerFunc(func(context.Context, *model.WorkflowNode, []*model.ParamTreeNode) (any, *Exchange, error) {
		return nil, nil, errors.New("boom")
	}), store.NewMemoryStore(), nil))
	_, err = reg.Invoke(context.Background(), &model.WorkflowNode{ID: 1, Kind: model.KindSOAP}, nil)
	assert.ErrorIs(t, err, gwerrors.ErrRemoteInvoke)
}
