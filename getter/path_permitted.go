package getter

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

// EnvPermittedRoots is a comma separated list of absolute directories local input may be read from
const EnvPermittedRoots = "QUERYBOOST_PERMITTED_ROOT_PATHS"

func pathPermitted(sourcePath string) bool {
	env, ok := os.LookupEnv(EnvPermittedRoots)
	if !ok || env == "" {
		return true
	}
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return false
	}
	for _, root := range strings.Split(env, ",") {
		root = strings.TrimSpace(root)
		if !filepath.IsAbs(root) {
			log.Printf("[WARN] permitted root %s is not an absolute path - ignoring", root)
			continue
		}
		if isUnder(root, abs) {
			return true
		}
	}
	return false
}

func isUnder(parent, sub string) bool {
	rel, err := filepath.Rel(parent, sub)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
