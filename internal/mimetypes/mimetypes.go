// Package mimetypes resolves file extensions to Content-Type values from a
// static, embedded mime.types-format table. This is the one place the repo
// stays on the standard library by design: a fixed lookup table is not
// worth a third-party dependency (see DESIGN.md).
package mimetypes

import (
	"bufio"
	"bytes"
	_ "embed"
	"strings"
	"sync"
)

//go:embed mime.types
var mimeTypesData []byte

// DefaultType is returned for extensions absent from the table.
const DefaultType = "application/octet-stream"

var (
	once  sync.Once
	table map[string]string
)

func load() {
	table = make(map[string]string, 256)
	scanner := bufio.NewScanner(bytes.NewReader(mimeTypesData))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		mediaType := fields[0]
		for _, ext := range fields[1:] {
			table[strings.ToLower(ext)] = mediaType
		}
	}
}

// Lookup returns the Content-Type for ext (with or without a leading dot),
// falling back to DefaultType when the extension is unknown.
func Lookup(ext string) string {
	once.Do(load)
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if mt, ok := table[ext]; ok {
		return mt
	}
	return DefaultType
}

// ForPath resolves the Content-Type for a file path by its extension.
func ForPath(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return DefaultType
	}
	return Lookup(path[i+1:])
}
