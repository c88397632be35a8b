//go:build windows

package cachefs

import (
	"io/fs"
	"syscall"
	"time"
)

// accessTime extracts the atime from a fs.FileInfo's platform-specific
// Sys() payload on Windows.
func accessTime(info fs.FileInfo) time.Time {
	if stat, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		return time.Unix(0, stat.LastAccessTime.Nanoseconds())
	}
	return info.ModTime()
}
