// Package sysinit performs process-wide setup required before any
// network resource is opened: clearing inherited proxy environment
// variables so the tunnel cannot recursively chain through another
// proxy, and raising the process file-descriptor limit to support the
// configured session cap. The rlimit adjustment is platform-specific and
// split across build-tagged files, since only Linux (via RLIMIT_NOFILE)
// exposes a way to raise it from within the process.
package sysinit

import "os"

// proxyEnvVars lists every inherited proxy variable that must be
// cleared, upper and lower case.
var proxyEnvVars = []string{
	"HTTP_PROXY", "http_proxy",
	"HTTPS_PROXY", "https_proxy",
	"ALL_PROXY", "all_proxy",
	"NO_PROXY", "no_proxy",
}

// ClearProxyEnv unsets every variable in proxyEnvVars.
func ClearProxyEnv() {
	for _, name := range proxyEnvVars {
		_ = os.Unsetenv(name)
	}
}

// MinFileDescriptors is the target soft limit platforms that expose one
// are raised toward.
const MinFileDescriptors = 10240
