package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFence("  {\"a\":1}  "))
	assert.Equal(t, "", StripFence("```"))
}

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"goal":"x"}`, `{"goal":"x"}`, true},
		{"leading prose", "Here is the plan:\n{\"steps\":[]}\nThanks!", `{"steps":[]}`, true},
		{"nested", `x {"a":{"b":{}}} y {"c":1}`, `{"a":{"b":{}}}`, true},
		{"brace in string", `{"t":"use } and { here","n":1}`, `{"t":"use } and { here","n":1}`, true},
		{"escaped quote", `{"t":"say \"}\" ok"}`, `{"t":"say \"}\" ok"}`, true},
		{"fenced", "```json\n{\"a\":[1,2]}\n```", `{"a":[1,2]}`, true},
		{"none", "no json here", "", false},
		{"unbalanced", `{"a": {`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FirstJSONObject(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFencedBlocks(t *testing.T) {
	text := "Run these:\n```bash\nnpm install\nnpm test\n```\nthen\n```\necho hi\n```\n```go\nunterminated"
	blocks := FencedBlocks(text)
	require.Len(t, blocks, 2)
	assert.Equal(t, "bash", blocks[0].Lang)
	assert.Equal(t, "npm install\nnpm test", blocks[0].Body)
	assert.Equal(t, "", blocks[1].Lang)
	assert.Equal(t, "echo hi", blocks[1].Body)
}

func TestFencedBlocks_InfoKeepsCase(t *testing.T) {
	blocks := FencedBlocks("```File src/App.tsx\nexport {}\n```")
	require.Len(t, blocks, 1)
	assert.Equal(t, "file", blocks[0].Lang)
	assert.Equal(t, "File src/App.tsx", blocks[0].Info)
}

func TestProviderFunc(t *testing.T) {
	var gotSelector string
	p := ProviderFunc(func(_ context.Context, prompt, contextText, selector string) (string, error) {
		gotSelector = selector
		if prompt == "" {
			return "", errors.New("empty")
		}
		return prompt + "|" + contextText, nil
	})
	out, err := p.Generate(context.Background(), "p", "c", "claude-test")
	require.NoError(t, err)
	assert.Equal(t, "p|c", out)
	assert.Equal(t, "claude-test", gotSelector)

	_, err = p.Generate(context.Background(), "", "", "")
	assert.Error(t, err)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{Model: "claude-sonnet-4-5"})
	assert.Equal(t, int64(4096), c.maxTokens)
	assert.Equal(t, "claude-sonnet-4-5", string(c.model))
}
