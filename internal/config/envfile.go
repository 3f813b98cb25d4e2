package config

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists env files in load order: $AUTOTUNE_ENV_FILE, then
// the XDG-style location, then the state directory.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("AUTOTUNE_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := resolveHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "autotune", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	return out
}

// LoadEnvFileCandidates loads KEY=VALUE files into the process environment
// and returns the files that were read. Variables already set in the
// environment win over file values, and earlier files win over later ones.
func LoadEnvFileCandidates() []string {
	var loaded []string
	seen := map[string]bool{}
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		n, err := loadEnvFile(p)
		if err != nil {
			continue
		}
		slog.Debug("Config: env file loaded", "path", p, "vars", n)
		loaded = append(loaded, p)
	}
	return loaded
}

// loadEnvFile sets every variable in path that is not yet defined and
// returns how many were set.
func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if os.Setenv(key, val) == nil {
			set++
		}
	}
	return set, sc.Err()
}

// parseEnvLine parses `[export ]KEY=VALUE`, stripping one level of matching
// quotes from VALUE. Blank lines and # comments are rejected.
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		val = val[1 : len(val)-1]
	}
	return key, val, true
}
