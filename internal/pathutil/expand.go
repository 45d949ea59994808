package pathutil

import (
	"os"
	"strings"
)

// Expand resolves $VAR and ${VAR} references and then a leading ~/ in path.
// Paths like ~user/... keep their tilde. If $HOME is not set, the tilde is
// left in place.
func Expand(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return path
	}
	return home + path[1:]
}
