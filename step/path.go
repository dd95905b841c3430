package step

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// resolveFilePath returns the absolute path of the file to upload. The path may be a
// glob pattern (e.g. `dist/**/*.zip`) as long as it matches exactly one file.
func (u Uploader) resolveFilePath(pth string) (string, error) {
	absPth, err := u.pathModifier.AbsPath(strings.TrimSpace(pth))
	if err != nil {
		return "", fmt.Errorf("failed to expand path (%s): %w", pth, err)
	}

	if !strings.ContainsAny(absPth, "*?[{") {
		exists, err := u.pathChecker.IsPathExists(absPth)
		if err != nil {
			return "", fmt.Errorf("failed to check if file exists (%s): %w", absPth, err)
		}
		if !exists {
			return "", fmt.Errorf("file does not exist: %s", absPth)
		}
		return absPth, nil
	}

	matches, err := doublestar.FilepathGlob(absPth, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("invalid file pattern (%s): %w", pth, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no file matches the pattern: %s", pth)
	case 1:
		u.logger.Printf("Pattern %s matched %s", pth, matches[0])
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("the pattern %s matches %d files, expected one: %s", pth, len(matches), strings.Join(matches, ", "))
	}
}
