// Package atomicfile implements the write-to-temp-then-rename-then-fsync
// durability protocol spec.md §4.1 and §4.3 both require for the registry
// document and the segment sidecar index.
package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/i5heu/space/internal/types"
)

// WriteJSON marshals v as pretty JSON and writes it to path atomically:
// write to a temp file in the same directory, fsync it, rename it onto
// path, then fsync the containing directory.
func WriteJSON(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return types.NewError(types.KindDurabilityFailure, "marshaling "+path, err)
	}
	return Write(path, raw)
}

// Write atomically writes raw to path using the same protocol as WriteJSON.
func Write(path string, raw []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return types.NewError(types.KindDurabilityFailure, "creating temp file for "+path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.NewError(types.KindDurabilityFailure, "writing temp file for "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.NewError(types.KindDurabilityFailure, "fsyncing temp file for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.NewError(types.KindDurabilityFailure, "closing temp file for "+path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return types.NewError(types.KindDurabilityFailure, "renaming temp file onto "+path, err)
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		dirHandle.Close()
	}

	return nil
}
