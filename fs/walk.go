package fs

import (
	posixpath "path"
	"strings"

	"github.com/jmason/grubcore/errors"
)

// resolvePath walks path component by component from root, following
// symlinks (including absolute ones, which restart the walk from root) up to
// maxNest times total. It mirrors the source material's
// getObjectAtPathFollowingLink/resolveSymlink pair, collapsed into one
// iterative walk since there's no working directory or link-creation concept
// in a read-only boot environment.
func resolvePath(root Node, path string, maxNest int) (Node, error) {
	path = posixpath.Clean("/" + path)
	if path == "/" || path == "." {
		return root, nil
	}

	nestBudget := maxNest
	current := root
	segments := strings.Split(strings.Trim(path, "/"), "/")

	for i := 0; i < len(segments); i++ {
		name := segments[i]
		if name == "" {
			continue
		}

		next, err := current.Lookup(name)
		if err != nil {
			return nil, err
		}

		if next.Info().Kind == KindSymlink {
			if nestBudget <= 0 {
				return nil, errors.ErrSymlinkLoop.WithMessage("too many levels of symbolic links resolving `" + path + "'")
			}
			nestBudget--

			target, err := next.Readlink()
			if err != nil {
				return nil, err
			}

			rest := segments[i+1:]
			var joined string
			if posixpath.IsAbs(target) {
				joined = posixpath.Clean(target)
			} else {
				dir := posixpath.Dir("/" + strings.Join(segments[:i+1], "/"))
				joined = posixpath.Clean(posixpath.Join(dir, target))
			}

			segments = append(strings.Split(strings.Trim(joined, "/"), "/"), rest...)
			current = root
			i = -1
			continue
		}

		current = next
	}

	return current, nil
}
