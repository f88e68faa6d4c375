//go:build !linux && !darwin

package memory

import "errors"

func MapHost(size uint64) (*Region, error) {
	_ = size
	return nil, errors.New("host load memory is only supported on linux and darwin")
}
