package archive

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	Ext = ".zip"

	partialPrefix = ".mods_"
	partialSuffix = ".tmp"
)

// IsArtifactFile reports whether name is an archive written by a Packager,
// finished or left partial by an interrupted run.
func IsArtifactFile(name string) bool {
	if strings.HasSuffix(name, Ext) {
		return true
	}
	return strings.HasPrefix(name, partialPrefix) && strings.HasSuffix(name, partialSuffix)
}

// ArtifactName is the per-job archive name. Distinct jobs never share an artifact.
func ArtifactName(jobID string) string {
	return "mods_" + jobID + Ext
}

// Packager zips a workspace directory into OutputDir.
type Packager struct {
	OutputDir string
	Level     int
}

func NewPackager(outputDir string) *Packager {
	return &Packager{
		OutputDir: outputDir,
		Level:     flate.BestCompression,
	}
}

// Package writes every regular file directly inside workspace into a new
// archive, without directory prefixes, in name order. The archive appears
// under its final name only once complete.
func (p *Packager) Package(workspace, jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("job id is required")
	}
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		return "", fmt.Errorf("read workspace: %w", err)
	}

	tmp, err := os.CreateTemp(p.OutputDir, partialPrefix+"*"+partialSuffix)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	level := p.Level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err = addFile(zw, filepath.Join(workspace, entry.Name()), entry.Name()); err != nil {
			return "", err
		}
	}

	if err = zw.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	name := ArtifactName(jobID)
	if err = os.Rename(tmpPath, filepath.Join(p.OutputDir, name)); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	return name, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
