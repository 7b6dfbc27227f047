package utils

import (
	"fmt"

	"github.com/go-git/go-git/v5"

	"github.com/pseegers/mendel/common"
)

// ShortHashLen is the abbreviated commit length reported in chat messages.
const ShortHashLen = 7

// CommitHash returns the commit the working copy at dir is checked out at.
// It is the checked-out HEAD, not the newest commit on any branch.
func CommitHash(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("%w: failed to obtain commit hash: open repository at %s: %v", common.ErrBuild, dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: failed to obtain commit hash: resolve HEAD in %s: %v", common.ErrBuild, dir, err)
	}
	return head.Hash().String(), nil
}

// ShortHash abbreviates a full commit hash.
func ShortHash(hash string) string {
	if len(hash) > ShortHashLen {
		return hash[:ShortHashLen]
	}
	return hash
}
