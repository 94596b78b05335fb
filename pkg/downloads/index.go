package downloads

import (
	"encoding/json"
	"os"

	"github.com/go-faster/errors"

	. "github.com/plexstash/plexstash/pkg/log"
)

// InterruptedMessage marks items whose transfer was cut off by a process
// restart. They are never resumed, only retried by re-enqueue.
const InterruptedMessage = "Interrupted"

// loadIndex reads the persisted item list. A missing file yields an empty
// list. Any item still marked active was interrupted mid-transfer and is
// forced to failed.
func loadIndex(path string) []*Item {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			Logger.Warn("reading download index failed", "err", err)
		}
		return nil
	}
	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		Logger.Warn("decoding download index failed, starting empty", "err", err)
		return nil
	}
	for _, it := range items {
		if it.Status.IsActive() {
			it.Status = StatusFailed
			it.ErrorMessage = InterruptedMessage
			it.handle = nil
		}
	}
	return items
}

// saveIndex atomically rewrites the whole index file.
func saveIndex(path string, items []*Item) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode index")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write index")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "replace index")
	}
	return nil
}
