//go:build !linux

package filestate

func renameNoReplace(src, dst string) error {
	return checkThenRename(src, dst)
}
