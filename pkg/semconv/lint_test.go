// Tests for attribute key linting against the registry
package semconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddedRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := LoadEmbedded()
	require.NoError(t, err)
	return reg
}

func TestLintCleanKeys(t *testing.T) {
	t.Parallel()
	reg := embeddedRegistry(t)

	findings := reg.Lint([]string{
		"url.full",
		"http.request.method",
		"http.response.status_code",
		"session.id",
		"user_agent.original",
		"server.address",
		"network.transport",
	})
	assert.Empty(t, findings)
}

func TestLintDeprecatedKeys(t *testing.T) {
	t.Parallel()
	reg := embeddedRegistry(t)

	findings := reg.Lint([]string{"http.method", "http.response_content_length"})
	require.Len(t, findings, 2)

	assert.Equal(t, "http.method", findings[0].Key)
	assert.Equal(t, FindingDeprecated, findings[0].Kind)
	assert.Equal(t, "renamed to http.request.method", findings[0].Note)

	assert.Equal(t, "http.response_content_length", findings[1].Key)
	assert.Equal(t, FindingDeprecated, findings[1].Kind)
	assert.Contains(t, findings[1].Note, "http.response.body.size")
}

func TestLintUnknownKeys(t *testing.T) {
	t.Parallel()
	reg := embeddedRegistry(t)

	findings := reg.Lint([]string{"http.mehtod", "myapp.custom", "bareword"})
	require.Len(t, findings, 3)
	for _, f := range findings {
		assert.Equal(t, FindingUnknown, f.Kind)
	}

	// typo inside a registered namespace gets a hint
	assert.Contains(t, findings[0].Note, "namespace http is registered")
	// fully foreign namespace and dotless keys get none
	assert.Empty(t, findings[1].Note)
	assert.Empty(t, findings[2].Note)
}

func TestLintPreservesInputOrder(t *testing.T) {
	t.Parallel()
	reg := embeddedRegistry(t)

	findings := reg.Lint([]string{"zzz.last", "http.method", "aaa.first"})
	require.Len(t, findings, 3)
	assert.Equal(t, "zzz.last", findings[0].Key)
	assert.Equal(t, "http.method", findings[1].Key)
	assert.Equal(t, "aaa.first", findings[2].Key)
}

func TestLintNoKeys(t *testing.T) {
	t.Parallel()
	reg := embeddedRegistry(t)
	assert.Empty(t, reg.Lint(nil))
	assert.Empty(t, reg.Lint([]string{}))
}

func TestFindingKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unknown", FindingUnknown.String())
	assert.Equal(t, "deprecated", FindingDeprecated.String())
	assert.Equal(t, "invalid", FindingKind(42).String())
}

func TestDeprecationNote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		deprecated any
		want       string
	}{
		{name: "not deprecated", deprecated: nil, want: ""},
		{name: "plain string", deprecated: "Replaced by `http.response.body.size`.", want: "Replaced by `http.response.body.size`."},
		{name: "renamed mapping", deprecated: map[string]any{"reason": "renamed", "renamed_to": "url.full"}, want: "renamed to url.full"},
		{name: "note mapping", deprecated: map[string]any{"reason": "obsoleted", "note": "No replacement."}, want: "No replacement."},
		{name: "reason only", deprecated: map[string]any{"reason": "uncategorized"}, want: "uncategorized"},
		{name: "empty mapping", deprecated: map[string]any{}, want: "deprecated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			attr := Attribute{Deprecated: tt.deprecated}
			assert.Equal(t, tt.want, attr.DeprecationNote())
			assert.Equal(t, tt.deprecated != nil, attr.IsDeprecated())
		})
	}
}
