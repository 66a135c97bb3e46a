package utils

import (
	"fmt"
	"io"
	"os"
)

// CopyFile copies a file from src to dst. If dst exists, it will be overwritten.
// It returns an error if the operation fails.
func CopyFile(src, dst string) (err error) {
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer source.Close()

	sourceInfo, err := source.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if !sourceInfo.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	// Remove destination file if it exists
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing destination file: %w", err)
	}
	destination, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, sourceInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		if cerr := destination.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close destination file: %w", cerr)
		}
	}()

	bytesCopied, err := io.Copy(destination, source)
	if err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	// queue entries can still be growing while afl-fuzz writes them
	if bytesCopied < sourceInfo.Size() {
		return fmt.Errorf("incomplete copy: expected %d bytes, got %d bytes", sourceInfo.Size(), bytesCopied)
	}
	return nil
}
