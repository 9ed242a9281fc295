package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderWholePlaceholderPreservesType(t *testing.T) {
	ctx := map[string]interface{}{
		"A_result": map[string]interface{}{"echoed": map[string]interface{}{"msg": "hi"}},
	}
	out := Render("{{A_result}}", ctx)
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "hi", m["echoed"].(map[string]interface{})["msg"])
}

func TestRenderEmbeddedPlaceholderStringifies(t *testing.T) {
	ctx := map[string]interface{}{
		"A_result": map[string]interface{}{"echoed": map[string]interface{}{"msg": "hi"}},
	}
	out := Render(map[string]interface{}{
		"msg": "{{A_result.echoed.msg}} world",
	}, ctx)
	require.Equal(t, "hi world", out.(map[string]interface{})["msg"])
}

func TestRenderUnresolvedLeavesLiteral(t *testing.T) {
	out := Render("{{missing}}", map[string]interface{}{})
	require.Equal(t, "{{missing}}", out)
}

func TestRenderNestedStructures(t *testing.T) {
	ctx := map[string]interface{}{"x": "y"}
	out := Render([]interface{}{"a-{{x}}", map[string]interface{}{"k": "{{x}}"}}, ctx)
	arr := out.([]interface{})
	require.Equal(t, "a-y", arr[0])
	require.Equal(t, "y", arr[1].(map[string]interface{})["k"])
}
