//go:build !linux

package launcher

import "errors"

func isHugetlbfs(path string) (bool, error) {
	return false, errors.New("hugetlbfs is only available on linux")
}
