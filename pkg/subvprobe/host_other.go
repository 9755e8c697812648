//go:build !linux

package subvprobe

import (
	"errors"
)

func HostQuerier() (IdentityQuerier, error) {
	return nil, errors.New("subvolume detection is only supported on Linux")
}
