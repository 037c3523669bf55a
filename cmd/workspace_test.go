package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/acme/webapp.git", "webapp"},
		{"https://github.com/acme/webapp", "webapp"},
		{"https://github.com/acme/webapp/", "webapp"},
		{"git@github.com:acme/api.git", "api"},
		{"git@host:tools", "tools"},
		{"/srv/git/billing.git", "billing"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, projectNameFromURL(tt.url))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
