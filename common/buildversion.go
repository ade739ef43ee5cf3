package common

import (
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
)

// CommitHash returns the short HEAD hash of the checkout the binary runs
// from, looking first at the working directory and then next to the
// executable. Builds outside a git tree report "unknown".
func CommitHash() string {
	if cwd, err := os.Getwd(); err == nil {
		if hash := headHash(cwd); hash != "" {
			return short(hash)
		}
	}
	if exe, err := os.Executable(); err == nil {
		if hash := headHash(filepath.Dir(exe)); hash != "" {
			return short(hash)
		}
	}
	return "unknown"
}

func headHash(path string) string {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
