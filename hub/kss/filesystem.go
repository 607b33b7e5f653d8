package kss

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edgeberry/devicehub/core/logger"
)

// LocalFilesystem is the entity which provides the local filesystem driver
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a new LocalFilesystem
func NewLocalFilesystem(baseFolder string) (*LocalFilesystem, error) {
	if err := os.MkdirAll(baseFolder, 0755); err != nil {
		return nil, err
	}
	logger.Default().Debugln("artifact store on filesystem at", baseFolder)
	return &LocalFilesystem{baseFolder: baseFolder}, nil
}

// Put writes the key file
func (f *LocalFilesystem) Put(key string, data []byte) error {
	path := filepath.Join(f.baseFolder, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get reads the key file
func (f *LocalFilesystem) Get(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(key string) error {
	return os.Remove(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
}

// List returns all keys below the prefix
func (f *LocalFilesystem) List(prefix string) ([]string, error) {
	keys := []string{}
	root := f.baseFolder
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}
