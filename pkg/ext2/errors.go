package ext2

import (
	"fmt"

	"github.com/weberc2/mono/stage2/pkg/types"
)

type ErrBlockOutOfRange struct {
	Block uint32
}

func (err ErrBlockOutOfRange) Error() string {
	return fmt.Sprintf("block `%#x` is outside the volume", err.Block)
}

func (err ErrBlockOutOfRange) Is(target error) bool { return target == types.FormatInvalidErr }

type ErrInodeOutOfRange struct {
	Ino Ino
}

func (err ErrInodeOutOfRange) Error() string {
	return fmt.Sprintf("inode `%d` is outside the inode tables", err.Ino)
}

func (err ErrInodeOutOfRange) Is(target error) bool { return target == types.FormatInvalidErr }

type ErrRelativePath struct {
	Path string
}

func (err ErrRelativePath) Error() string {
	return fmt.Sprintf("path `%s` is not absolute", err.Path)
}

func (err ErrRelativePath) Is(target error) bool { return target == types.FormatInvalidErr }

type ErrNotDirectory struct {
	Path  string
	Found FileType
}

func (err ErrNotDirectory) Error() string {
	return fmt.Sprintf("not a directory: `%s` is a %s", err.Path, err.Found)
}

func (err ErrNotDirectory) Is(target error) bool { return target == types.FormatInvalidErr }

type ErrNotRegular struct {
	Path  string
	Found FileType
}

func (err ErrNotRegular) Error() string {
	return fmt.Sprintf("not a regular file: `%s` is a %s", err.Path, err.Found)
}

func (err ErrNotRegular) Is(target error) bool { return target == types.FormatInvalidErr }

type ErrNotFound struct {
	Path string
	Name string
}

func (err ErrNotFound) Error() string {
	return fmt.Sprintf("`%s` not found in `%s`", err.Name, err.Path)
}

func (err ErrNotFound) Is(target error) bool { return target == types.NotFoundErr }

type ErrTripleIndirect struct {
	Ino Ino
}

func (err ErrTripleIndirect) Error() string {
	return fmt.Sprintf("inode `%d` needs triple-indirect blocks", err.Ino)
}

func (err ErrTripleIndirect) Is(target error) bool { return target == types.UnsupportedErr }

type ErrExtents struct {
	Ino Ino
}

func (err ErrExtents) Error() string {
	return fmt.Sprintf("inode `%d` uses extents", err.Ino)
}

func (err ErrExtents) Is(target error) bool { return target == types.UnsupportedErr }

type ErrFileTooLarge struct {
	Ino  Ino
	Size uint64
}

func (err ErrFileTooLarge) Error() string {
	return fmt.Sprintf(
		"inode `%d` is `%d` bytes; maximum is `%d`",
		err.Ino,
		err.Size,
		MaxFileSize,
	)
}

func (err ErrFileTooLarge) Is(target error) bool {
	return target == types.ResourceExhaustedErr
}
