package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits on configuration input
const (
	maxConfigSize = 1 << 20 // config files are small; flows live in storage
	maxJSONDepth  = 64
	maxEnvVarLen  = 8192
)

var configExts = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// readConfigFile reads a JSON or YAML config file. Relative paths must stay
// inside the working directory and the file must be a regular file under
// maxConfigSize.
func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, stderrors.New("empty config path")
	}
	if ext := strings.ToLower(filepath.Ext(path)); !configExts[ext] {
		return nil, fmt.Errorf("config file must be .json, .yaml or .yml: %s", path)
	}
	if !filepath.IsAbs(path) && !filepath.IsLocal(path) {
		return nil, fmt.Errorf("config path %s leaves the working directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path %s is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), maxConfigSize)
	}
	return io.ReadAll(io.LimitReader(f, maxConfigSize+1))
}

// checkJSONDepth rejects documents nested deeper than maxJSONDepth
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting deeper than %d", maxJSONDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

// checkEnvValue rejects oversized values and values with NUL bytes
func checkEnvValue(name, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%s is %d bytes, limit is %d", name, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", name)
	}
	return nil
}
