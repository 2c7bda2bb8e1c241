package execcmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var errNotFound = errors.New("executable file not found in overlay PATH")

// lookPathIn mirrors exec.LookPath but searches the supplied PATH value.
func lookPathIn(name, path string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name, nil
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", errNotFound
}

// LookPath finds name in the PATH seen by commands spawned with env.
func LookPath(env *Overlay, name string) (string, error) {
	path, _ := env.Lookup("PATH")
	return lookPathIn(name, path)
}
