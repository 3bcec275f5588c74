package config

import "strings"

// DefaultUpstreamURL is used when neither the CLI, the environment nor the
// config file names a backend.
const DefaultUpstreamURL = "http://localhost:8080"

// UpstreamEnvVars are consulted in order; the first non-empty one wins.
var UpstreamEnvVars = []string{"API_BASE_URL", "NEXT_PUBLIC_API_BASE_URL"}

// schemeTypo is a doubled scheme seen in misconfigured deployments.
const schemeTypo = "https://http://"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ResolveUpstreamURL picks the backend base URL. Precedence is the flag value,
// then UpstreamEnvVars, then the file value, then DefaultUpstreamURL.
// The result is passed through NormalizeUpstreamURL.
func ResolveUpstreamURL(flag string, lookup LookupFunc, fileValue string) string {
	candidates := []string{flag}
	if lookup != nil {
		for _, key := range UpstreamEnvVars {
			v, _ := lookup(key)
			candidates = append(candidates, v)
		}
	}
	candidates = append(candidates, fileValue)

	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return NormalizeUpstreamURL(c)
		}
	}
	return DefaultUpstreamURL
}

// NormalizeUpstreamURL rewrites the "https://http://" typo to "http://" and
// drops trailing slashes so paths can be appended with a single "/".
func NormalizeUpstreamURL(raw string) string {
	s := strings.ReplaceAll(raw, schemeTypo, "http://")
	return strings.TrimRight(s, "/")
}
