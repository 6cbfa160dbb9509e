package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Writer owns the artifact directory of a single run.
type Writer struct {
	RunDir string
}

// NewWriter creates the run directory.
func NewWriter(runDir string) (*Writer, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{RunDir: runDir}, nil
}

// Path returns the absolute location of name under the run directory.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.RunDir, filepath.FromSlash(name))
}

// WriteJSON writes an indented JSON document under the run directory.
func (w *Writer) WriteJSON(name string, value any) (string, error) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", err
	}
	return w.WriteBytes(name, append(payload, '\n'))
}

// WriteText writes a string under the run directory.
func (w *Writer) WriteText(name string, data string) (string, error) {
	return w.WriteBytes(name, []byte(data))
}

// WriteBytes writes data under the run directory, creating parent directories.
func (w *Writer) WriteBytes(name string, data []byte) (string, error) {
	path := w.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Files lists every regular file under the run directory, relative to it.
func (w *Writer) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.RunDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.RunDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ScreenshotName builds a stable file name for a failed step capture.
func ScreenshotName(scenario string, stepIndex int, step string) string {
	return fmt.Sprintf("screenshots/%s/%02d-%s.png", Slug(scenario), stepIndex+1, Slug(step))
}

// Slug lowercases value and replaces unsafe path characters with dashes.
func Slug(value string) string {
	cleaned := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(value), "-"), "-")
	if cleaned == "" {
		return "step"
	}
	if len(cleaned) > 60 {
		cleaned = cleaned[:60]
	}
	return cleaned
}
