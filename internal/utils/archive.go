package utils

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/exec"
)

// CompressTarGz packs the content of srcFolder (not the folder itself) into tarGzFile.
func CompressTarGz(srcFolder, tarGzFile string) error {
	cmd := exec.Command("tar", "-czf", tarGzFile, "-C", srcFolder, ".")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to create tar.gz file: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func UnpackTarGz(tarGzFile string, dstFolder string) error {
	cmd := exec.Command("tar", "-xzf", tarGzFile, "-C", dstFolder)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to unpack tar.gz file: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// IsTarGz sniffs the gzip magic of a regular file. Directories report false.
func IsTarGz(file string) bool {
	fileHandle, err := os.Open(file)
	if err != nil {
		return false
	}
	defer fileHandle.Close()

	info, err := fileHandle.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	buffer := make([]byte, 512) // Read the first 512 bytes for MIME detection
	n, err := fileHandle.Read(buffer)
	if err != nil {
		return false
	}

	mimeType := http.DetectContentType(buffer[:n])
	return mimeType == "application/x-gzip" || mimeType == "application/gzip"
}
