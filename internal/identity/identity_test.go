package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/chatsync/internal/profile"
)

func builtinResolver(t *testing.T) *Resolver {
	t.Helper()
	reg, err := profile.Builtin()
	require.NoError(t, err)
	r, err := New(reg.ConversationPaths()...)
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := builtinResolver(t)

	tests := []struct {
		in, want string
	}{
		{"https://chatgpt.com/c/abc-123", "https://chatgpt.com/c/abc-123"},
		{"https://chatgpt.com/c/abc-123?model=gpt-4o#footer", "https://chatgpt.com/c/abc-123"},
		{"https://chatgpt.com/c/abc-123/share/9", "https://chatgpt.com/c/abc-123"},
		{"https://chatgpt.com/g/g-xyz/c/abc", "https://chatgpt.com/g/g-xyz/c/abc"},
		{"https://claude.ai/chat/0f1e", "https://claude.ai/chat/0f1e"},
		{"https://huggingface.co/chat/conversation/66aa/extra", "https://huggingface.co/chat/conversation/66aa"},
		{"https://chat.deepseek.com/a/chat/s/77", "https://chat.deepseek.com/a/chat/s/77"},
		{"https://gemini.google.com/app/f00", "https://gemini.google.com/app/f00"},
		{"https://www.perplexity.ai/search/what-is-go-x1", "https://www.perplexity.ai/search/what-is-go-x1"},
		{"https://ChatGPT.com/settings/", "https://chatgpt.com/settings"},
		{"https://claude.ai/", "https://claude.ai"},
		{"https://claude.ai", "https://claude.ai"},
		{"not a url", "not a url"},
		{"/c/abc", "/c/abc"},
		{"http://[::1", "http://[::1"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Resolve(tt.in), "Resolve(%q)", tt.in)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r := builtinResolver(t)
	inputs := []string{
		"https://chatgpt.com/c/abc?x=1",
		"https://chatgpt.com/g/g-1/c/2/",
		"https://x.com/i/grok?conversation=5",
		"https://example.com/a/b/c/",
		"https://example.com/",
		"https://example.com/c/",
		"ftp//broken",
	}
	for _, in := range inputs {
		once := r.Resolve(in)
		assert.Equal(t, once, r.Resolve(once), "Resolve not idempotent for %q", in)
	}
}

func TestResolve_PrefixMustEndOnSegment(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	// "/chatter" is not "/chat/..."
	assert.Equal(t, "https://a.test/chatter/x", r.Resolve("https://a.test/chatter/x/"))
	assert.Equal(t, "https://a.test/chat/x", r.Resolve("https://a.test/chat/x/y"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(`/c/(`)
	assert.Error(t, err)
}
