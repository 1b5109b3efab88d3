package flowdef

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flowA = "0f4c8e02-5a1d-4b9c-9d0a-1b2c3d4e5f60"
	flowB = "7a1e9c3b-2d4f-4e6a-8b0c-9d8e7f6a5b4c"
)

const definitionsPayload = `{
	"version": 10,
	"flows": [{
		"metadata": {"uuid": "0f4c8e02-5a1d-4b9c-9d0a-1b2c3d4e5f60", "name": "miAlta_init"},
		"base_language": "spa",
		"action_sets": [
			{"uuid": "node-hello", "actions": [{"type": "reply", "msg": {"spa": "hola", "base": "hello"}}]},
			{"uuid": "node-plain", "actions": [{"type": "send", "msg": "plain text"}]},
			{"uuid": "node-empty", "actions": []}
		],
		"rule_sets": [{"uuid": "node-branch", "label": "weight_n", "ruleset_type": "wait_message"}]
	}]
}`

type countingFetcher struct {
	defs  StaticFetcher
	err   error
	calls map[string]int
}

func (f *countingFetcher) FlowDefinition(ctx context.Context, flowUUID string) (*Definition, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[flowUUID]++
	if f.err != nil {
		return nil, f.err
	}
	return f.defs.FlowDefinition(ctx, flowUUID)
}

func parseOne(t *testing.T) *Definition {
	t.Helper()
	defs, err := ParseDefinitions([]byte(definitionsPayload))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	return defs[0]
}

func TestParseDefinitions(t *testing.T) {
	def := parseOne(t)

	assert.True(t, def.Known())
	assert.Equal(t, flowA, def.UUID)
	assert.Equal(t, "miAlta_init", def.Name)
	assert.Len(t, def.RuleSets, 1)
}

func TestNodeAction(t *testing.T) {
	def := parseOne(t)

	tests := []struct {
		node     string
		wantText string
		wantType string
		wantOK   bool
	}{
		{node: "node-hello", wantText: "hola", wantType: "reply", wantOK: true},
		{node: "node-plain", wantText: "plain text", wantType: "send", wantOK: true},
		{node: "node-branch", wantOK: false},
		{node: "node-empty", wantOK: false},
		{node: "missing", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			text, typ, ok := def.NodeAction(tt.node)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantType, typ)
		})
	}
}

func TestUnknownDefinition(t *testing.T) {
	text, typ, ok := Unknown.NodeAction("anything")
	assert.True(t, ok)
	assert.Equal(t, UnknownFlow, text)
	assert.Equal(t, UnknownFlow, typ)
	assert.False(t, Unknown.Known())

	var nilDef *Definition
	assert.False(t, nilDef.Known())
}

func TestActionTextFallbacks(t *testing.T) {
	a := Action{Msg: []byte(`{"spa": "hola", "eng": "hi"}`)}
	assert.Equal(t, "hi", a.Text("fra"))
	assert.Equal(t, "hola", a.Text("spa"))
	assert.Equal(t, "", Action{}.Text("spa"))
	assert.Equal(t, "", Action{Msg: []byte(`42`)}.Text("spa"))
}

func TestCacheFetchesOnce(t *testing.T) {
	fetcher := &countingFetcher{defs: StaticFetcher{flowA: parseOne(t)}}
	cache := NewCache(fetcher, nil)
	ctx := context.Background()

	first := cache.Lookup(ctx, flowA)
	second := cache.Lookup(ctx, flowA)

	assert.Same(t, first, second)
	assert.True(t, first.Known())
	assert.Equal(t, 1, fetcher.calls[flowA])
	assert.Equal(t, 1, cache.Fetches())
}

func TestCacheAbsentFlowIsSentinel(t *testing.T) {
	fetcher := &countingFetcher{defs: StaticFetcher{}}
	cache := NewCache(fetcher, nil)
	ctx := context.Background()

	def := cache.Lookup(ctx, flowB)
	assert.Same(t, Unknown, def)

	cache.Lookup(ctx, flowB)
	assert.Equal(t, 1, fetcher.calls[flowB], "absent flows are cached too")
}

func TestCacheFetchErrorDegradesWithoutCaching(t *testing.T) {
	fetcher := &countingFetcher{
		defs: StaticFetcher{flowA: parseOne(t)},
		err:  errors.New("503 service unavailable"),
	}
	cache := NewCache(fetcher, nil)
	ctx := context.Background()

	def := cache.Lookup(ctx, flowA)
	assert.Same(t, Unknown, def)
	assert.Equal(t, 0, cache.Len())

	fetcher.err = nil
	def = cache.Lookup(ctx, flowA)
	assert.True(t, def.Known(), "a transient failure is fetched again")
	assert.Equal(t, 2, fetcher.calls[flowA])
	assert.Equal(t, 1, cache.Len())
}

func TestCacheRejectsNonUUID(t *testing.T) {
	fetcher := &countingFetcher{defs: StaticFetcher{}}
	cache := NewCache(fetcher, nil)

	def := cache.Lookup(context.Background(), "not-a-uuid")
	assert.Same(t, Unknown, def)
	assert.Empty(t, fetcher.calls)
}

func TestCacheNormalizesKeyCase(t *testing.T) {
	fetcher := &countingFetcher{defs: StaticFetcher{flowA: parseOne(t)}}
	cache := NewCache(fetcher, nil)
	ctx := context.Background()

	upper := cache.Lookup(ctx, "0F4C8E02-5A1D-4B9C-9D0A-1B2C3D4E5F60")
	lower := cache.Lookup(ctx, flowA)
	assert.Same(t, upper, lower)
	assert.Equal(t, 1, cache.Fetches())
}

func TestCacheStore(t *testing.T) {
	cache := NewCache(nil, nil)
	def := parseOne(t)

	cache.Store(def)
	cache.Store(Unknown)

	assert.Same(t, def, cache.Lookup(context.Background(), flowA))
	assert.Equal(t, 0, cache.Fetches())
	assert.Equal(t, 1, cache.Len())
}
