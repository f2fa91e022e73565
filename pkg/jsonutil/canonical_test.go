package jsonutil_test

import (
	"testing"

	"github.com/orgflow/orgflow/pkg/jsonutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMarshal_SortedKeys(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"zebra": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zebra":1}`, string(out))
}

func TestCanonicalMarshal_NestedAndArrays(t *testing.T) {
	input := map[string]any{
		"b":   map[string]any{"z": 1, "a": []any{3, nil, "x"}},
		"a":   0,
		"arr": []any{},
	}
	out, err := jsonutil.CanonicalMarshal(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":0,"arr":[],"b":{"a":[3,null,"x"],"z":1}}`, string(out))
}

func TestCanonicalMarshal_StructFieldOrderIgnored(t *testing.T) {
	type event struct {
		Seq   int64  `json:"seq"`
		Actor string `json:"actor"`
	}
	out, err := jsonutil.CanonicalMarshal(event{Seq: 7, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, `{"actor":"alice","seq":7}`, string(out))
}

func TestCanonicalMarshal_LargeIntegersPreserved(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}

func TestCanonicalMarshal_Unmarshalable(t *testing.T) {
	_, err := jsonutil.CanonicalMarshal(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestChainHash_DependsOnPrevious(t *testing.T) {
	v := map[string]any{"k": "v"}
	h1, err := jsonutil.ChainHash(v, "")
	require.NoError(t, err)
	h2, err := jsonutil.ChainHash(v, h1)
	require.NoError(t, err)
	again, err := jsonutil.ChainHash(map[string]any{"k": "v"}, "")
	require.NoError(t, err)

	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, again)
}
