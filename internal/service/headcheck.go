package service

import (
	"context"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/storage/memory"
)

// headReachable lists the remote's refs and reports whether sha is still one
// of them. A force push between poll and submit makes the revision
// unbuildable; checking first avoids burning a builder slot on it.
func headReachable(ctx context.Context, repoURL, sha string) (bool, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if ref.Hash().String() == sha {
			return true, nil
		}
	}
	return false, nil
}
