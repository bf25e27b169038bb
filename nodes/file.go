package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// TypeFile is the file output node type
const TypeFile = "file"

// File formats
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
	FormatRaw   = "raw"
)

type fileConfig struct {
	Filename  string `json:"filename"`
	Format    string `json:"format"`
	Overwrite bool   `json:"overwrite"`
	CreateDir bool   `json:"createDir"`
}

func (c *fileConfig) validate() error {
	if c.Filename == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "File", "validate", "filename is required")
	}
	switch c.Format {
	case "":
		c.Format = FormatJSONL
	case FormatJSONL, FormatJSON, FormatRaw:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "File", "validate", "format must be one of: json, jsonl, raw")
	}
	return nil
}

const fileSchema = `{
  "type": "object",
  "required": ["filename"],
  "properties": {
    "filename": {"type": "string", "minLength": 1},
    "format": {"enum": ["", "json", "jsonl", "raw"]},
    "overwrite": {"type": "boolean"},
    "createDir": {"type": "boolean"}
  }
}`

// file writes msg.payload to a file, appending unless overwrite is set. The
// file is opened when the node starts and closed with it.
type file struct {
	n      *node.Node
	format string

	mu      sync.Mutex
	f       *os.File
	written int64
}

func newFile(n *node.Node, rec *flowconfig.NodeConfig) (node.Behavior, error) {
	var cfg fileConfig
	if err := decodeProps(rec, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.CreateDir {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
			return nil, errors.WrapTransient(err, "File", "New", "create directory")
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(cfg.Filename, flags, 0o644)
	if err != nil {
		return nil, errors.WrapTransient(err, "File", "New", fmt.Sprintf("open %s", cfg.Filename))
	}
	return &file{n: n, format: cfg.Format, f: f}, nil
}

func (w *file) OnInput(_ context.Context, msg message.Message) error {
	data, err := w.render(msg["payload"])
	if err != nil {
		return errors.WrapInvalid(err, "File", "OnInput", "encode payload")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.WrapFatal(os.ErrClosed, "File", "OnInput", "write")
	}
	n, err := w.f.Write(data)
	if err != nil {
		return errors.WrapTransient(err, "File", "OnInput", "write")
	}
	w.written += int64(n)
	w.n.Send(msg)
	return nil
}

func (w *file) render(payload any) ([]byte, error) {
	switch w.format {
	case FormatRaw:
		return toBytes(payload)
	case FormatJSON:
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		if s, ok := payload.(string); ok {
			return []byte(s + "\n"), nil
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

func (w *file) OnClose(context.Context, bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return errors.WrapTransient(err, "File", "OnClose", "close file")
	}
	return nil
}
