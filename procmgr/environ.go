package procmgr

import (
	"errors"
	"os"
	"sort"
	"strings"
	"syscall"
)

// sensitiveEnvSuffixes are case-insensitive suffixes of variables withheld
// from child processes.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always passed through.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

// IsSensitiveEnvVar reports whether name looks like a credential.
func IsSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	if upper == "AGENT_SECRET" {
		return true
	}
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Environ returns the current environment minus credentials, followed by
// extra in key order. Later entries win in exec, so extra overrides.
func Environ(extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !IsSensitiveEnvVar(name) {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// KillGroup sends SIGKILL to the process group led by pid. A group that has
// already exited is not an error.
func KillGroup(pid int) error {
	if pid <= 0 {
		return errors.New("procmgr: invalid pid")
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
