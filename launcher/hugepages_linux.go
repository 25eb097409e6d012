package launcher

import (
	"golang.org/x/sys/unix"
)

// isHugetlbfs reports whether path is a hugetlbfs mount.
func isHugetlbfs(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return uint32(st.Type) == uint32(unix.HUGETLBFS_MAGIC), nil
}
