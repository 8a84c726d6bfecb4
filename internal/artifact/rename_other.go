//go:build !linux

package artifact

func renameNoReplace(oldpath, newpath string) error {
	return linkRename(oldpath, newpath)
}
