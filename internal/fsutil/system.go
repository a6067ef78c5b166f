package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// MemAvailableMB returns available memory in MB.
func MemAvailableMB() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if !strings.HasPrefix(line, "MemAvailable:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb / 1024, nil
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// DiskUsage reports the total and free bytes of the filesystem holding path.
func DiskUsage(path string) (total, free uint64, err error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	return st.Blocks * uint64(st.Bsize), st.Bavail * uint64(st.Bsize), nil
}

// DiskFreePercent is the free share of the filesystem holding path, 0..100.
func DiskFreePercent(path string) (float64, error) {
	total, free, err := DiskUsage(path)
	if err != nil || total == 0 {
		return 0, err
	}
	return float64(free) * 100 / float64(total), nil
}
