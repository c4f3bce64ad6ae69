package procmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultClassifier(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		command string
		server  bool
	}{
		{"npm start", true},
		{"cd app && NPM START", true},
		{"npm run dev -- --port 3000", true},
		{"python -m http.server 8000", true},
		{"python manage.py runserver", true},
		{"flask run", true},
		{"go run ./cmd/server", true},
		{"rails s", true},
		{"npm install", false},
		{"go test ./...", false},
		{"ls -la", false},
		{"cargo build", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.server, c.IsLongRunning(tt.command), tt.command)
	}
}

func TestDefaultClassifierCopiesPatterns(t *testing.T) {
	c := DefaultClassifier()
	c.Patterns[0] = "mutated"
	assert.Equal(t, "npm start", DefaultServerPatterns[0])
}

func TestManagerUsesCustomClassifier(t *testing.T) {
	m := NewManager(t.TempDir(), WithClassifier(ClassifierFunc(func(cmd string) bool {
		return cmd == "make watch"
	})))
	assert.True(t, m.IsLongRunning("make watch"))
	assert.False(t, m.IsLongRunning("npm start"))
}

func TestIsSensitiveEnvVar(t *testing.T) {
	assert.True(t, IsSensitiveEnvVar("OPENAI_API_KEY"))
	assert.True(t, IsSensitiveEnvVar("github_token"))
	assert.True(t, IsSensitiveEnvVar("AGENT_SECRET"))
	assert.False(t, IsSensitiveEnvVar("PATH"))
	assert.False(t, IsSensitiveEnvVar("GOFLAGS"))
}
