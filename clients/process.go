// Package clients provides low-level process, terminal, and git plumbing for
// the manifold backend.
package clients

import (
	"os"
	"strings"
)

// BlockedEnvVars lists environment variables that should never be passed to
// spawned agent processes. These are manifold's own configuration and any
// credentials agents should not see.
var BlockedEnvVars = map[string]bool{
	"MANIFOLD_API_KEY":    true,
	"MANIFOLD_STATE_DIR":  true,
	"AGENT_HTTP_PROXY":    true, // manifold reads this itself, agents get HTTP_PROXY
	"MANIFOLD_LOCK_OWNER": true,
}

// AgentHTTPProxy returns the proxy URL agent processes should use, injected
// into their environment as HTTP_PROXY/HTTPS_PROXY. Empty when unconfigured.
func AgentHTTPProxy() string {
	return os.Getenv("AGENT_HTTP_PROXY")
}

// BuildAgentEnv produces the environment for a spawned agent process: the
// current process environment with sensitive variables filtered, proxy
// settings injected, and the caller's extra variables overlaid last.
func BuildAgentEnv(extra map[string]string) []string {
	env := FilterEnvForAgent(os.Environ())
	env = InjectProxyEnv(env)
	for k, v := range extra {
		env = setEnvVar(env, k, v)
	}
	return env
}

// FilterEnvForAgent removes blocked variables from an environment slice.
func FilterEnvForAgent(env []string) []string {
	var filtered []string
	for _, e := range env {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) < 1 {
			continue
		}
		if !BlockedEnvVars[parts[0]] {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// InjectProxyEnv adds HTTP_PROXY and HTTPS_PROXY when AGENT_HTTP_PROXY is
// set. Explicit settings already present in env are not overridden.
func InjectProxyEnv(env []string) []string {
	proxyURL := AgentHTTPProxy()
	if proxyURL == "" {
		return env
	}

	hasHTTPProxy := false
	hasHTTPSProxy := false
	for _, e := range env {
		if strings.HasPrefix(e, "HTTP_PROXY=") || strings.HasPrefix(e, "http_proxy=") {
			hasHTTPProxy = true
		}
		if strings.HasPrefix(e, "HTTPS_PROXY=") || strings.HasPrefix(e, "https_proxy=") {
			hasHTTPSProxy = true
		}
	}

	if !hasHTTPProxy {
		env = append(env, "HTTP_PROXY="+proxyURL)
		env = append(env, "http_proxy="+proxyURL)
	}
	if !hasHTTPSProxy {
		env = append(env, "HTTPS_PROXY="+proxyURL)
		env = append(env, "https_proxy="+proxyURL)
	}

	return env
}

// setEnvVar replaces key in env if present, otherwise appends it.
func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
