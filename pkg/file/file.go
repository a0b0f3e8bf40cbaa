package file

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileOperations defines the file reads the pipeline needs: raw bytes
// for certificates and yaml for configuration.
type FileOperations interface {
	ReadFileRaw(filePath string) ([]byte, error)
	ReadYamlFile(filePath string, v any) error
}

// FileService implements the FileOperations interface using standard
// file operations.
type FileService struct{}

// NewFileService creates a new instance of FileService.
func NewFileService() *FileService {
	return &FileService{}
}

// ReadFileRaw reads the contents of the file at filePath and returns it
// as a byte array.
func (fs *FileService) ReadFileRaw(filePath string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// ReadYamlFile reads and unmarshals YAML data from the given file.
func (fs *FileService) ReadYamlFile(filePath string, v any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}
