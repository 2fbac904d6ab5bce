package engine

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/eval"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

func TestConfine_AllowsNamesUnderRoot(t *testing.T) {
	root := t.TempDir()
	realRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	for _, name := range []string{"out.txt", "a/b/c.txt", "./x.txt", "a/../y.txt"} {
		path, err := Confine(root, name)
		require.NoError(t, err, name)
		assert.True(t, within(realRoot, path), "%s resolved to %s", name, path)
	}
}

func TestConfine_RejectsEscapes(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"../x.txt", "../../escape.txt", "a/../../x.txt", ".."} {
		_, err := Confine(root, name)
		assert.ErrorIs(t, err, ErrPathEscape, name)
	}

	_, err := Confine(root, "/etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")

	_, err = Confine(root, "   ")
	assert.Error(t, err)
}

func TestConfine_RejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := Confine(root, "link/stolen.txt")
	assert.True(t, errors.Is(err, ErrPathEscape), "got %v", err)
}

func TestConfine_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "outputs", "nested")
	_, err := Confine(root, "f.txt")
	require.NoError(t, err)
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAppendLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir", "log.txt")
	require.NoError(t, appendLine(path, "one"))
	require.NoError(t, appendLine(path, "two"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	require.NoError(t, os.WriteFile(path, []byte("no newline"), 0o644))
	require.NoError(t, appendLine(path, "next"))
	data, _ = os.ReadFile(path)
	assert.Equal(t, "no newline\nnext\n", string(data))
}

func TestBind_ResolvesTemplatesWithoutMutatingStep(t *testing.T) {
	scope := eval.Map{"host": "example.com", "frame": "iframe#pay", "n": "2", "who": "amy"}

	click := &schema.ClickParams{
		Selector: schema.Selector{
			Selector:      "#{{who}}",
			SelectorIndex: "{{n}}",
			FrameSelector: schema.Frames{"{{frame}}"},
		},
	}
	bound := bind(click, scope).(*schema.ClickParams)
	assert.Equal(t, "#amy", bound.Selector.Selector)
	assert.Equal(t, schema.Num("2"), bound.SelectorIndex)
	assert.Equal(t, []string{"iframe#pay"}, bound.FrameSelector.Chain())
	assert.Equal(t, "#{{who}}", click.Selector.Selector, "original record modified")

	setVar := &schema.SetVarParams{Name: "{{raw}}", Value: "{{who}}"}
	boundVar := bind(setVar, scope).(*schema.SetVarParams)
	assert.Equal(t, "{{raw}}", boundVar.Name, "raw fields stay verbatim")
	assert.Equal(t, "amy", boundVar.Value)

	req := &schema.HTTPRequestParams{
		URL:     "https://{{host}}/u",
		Headers: map[string]any{"X-User": "{{who}}"},
	}
	boundReq := bind(req, scope).(*schema.HTTPRequestParams)
	assert.Equal(t, "https://example.com/u", boundReq.URL)
	assert.Equal(t, map[string]any{"X-User": "amy"}, boundReq.Headers)
	assert.Equal(t, map[string]any{"X-User": "{{who}}"}, req.Headers)

	assert.Nil(t, bind(nil, scope))
}
