package store

import (
	"github.com/go-faster/errors"
	"github.com/shirou/gopsutil/v3/disk"
)

// VolumeUsage reports total/used/free bytes for the volume containing the
// downloads root.
type VolumeUsage struct {
	Total     int64
	Used      int64
	Available int64
}

func (l *Layout) Usage() (VolumeUsage, error) {
	u, err := disk.Usage(l.Root)
	if err != nil {
		return VolumeUsage{}, errors.Wrap(err, "stat volume")
	}
	return VolumeUsage{
		Total:     int64(u.Total),
		Used:      int64(u.Used),
		Available: int64(u.Free),
	}, nil
}
