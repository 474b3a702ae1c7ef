package engine

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sort"
)

// ContainerfileName is the file name used for in-memory Containerfiles.
const ContainerfileName = "Containerfile"

// ContextTar renders a build context tarball holding the Containerfile and extra files.
func ContextTar(spec BuildSpec) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := map[string][]byte{ContainerfileName: spec.Containerfile}
	for name, data := range spec.Files {
		files[name] = data
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{Name: filepath.ToSlash(name), Mode: 0o644, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// ContextDir writes the Containerfile and extra files into a temp directory.
// The caller removes the directory.
func ContextDir(spec BuildSpec) (string, error) {
	dir, err := os.MkdirTemp("", "depsrelay-blueprint-*")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, ContainerfileName), spec.Containerfile, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	for name, data := range spec.Files {
		target := filepath.Join(dir, filepath.Clean(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
		if err := os.WriteFile(target, data, 0o600); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}
