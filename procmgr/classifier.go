package procmgr

import "strings"

// Classifier decides whether a command is expected to run indefinitely
// (a dev server, a watcher) and therefore must not block a tool call.
type Classifier interface {
	IsLongRunning(command string) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(command string) bool

// IsLongRunning implements Classifier.
func (f ClassifierFunc) IsLongRunning(command string) bool { return f(command) }

// DefaultServerPatterns are the command fragments treated as servers by
// DefaultClassifier.
var DefaultServerPatterns = []string{
	"npm start",
	"npm run dev",
	"npm run serve",
	"yarn start",
	"yarn dev",
	"node index.js",
	"node server.js",
	"node app.js",
	"python -m http.server",
	"python manage.py runserver",
	"flask run",
	"cargo run",
	"go run",
	"rails server",
	"rails s",
}

// PatternClassifier matches commands against a list of fragments. The match
// is a case-insensitive substring test, so it is a heuristic: "npm start"
// is caught while a server hidden behind a shell script is not.
type PatternClassifier struct {
	Patterns []string
}

// DefaultClassifier returns a PatternClassifier over DefaultServerPatterns.
func DefaultClassifier() *PatternClassifier {
	patterns := make([]string, len(DefaultServerPatterns))
	copy(patterns, DefaultServerPatterns)
	return &PatternClassifier{Patterns: patterns}
}

// IsLongRunning implements Classifier.
func (c *PatternClassifier) IsLongRunning(command string) bool {
	lower := strings.ToLower(command)
	for _, p := range c.Patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
