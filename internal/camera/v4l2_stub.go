//go:build !linux

package camera

import "fmt"

func Open(cfg Config) (Device, error) {
	return nil, fmt.Errorf("camera: V4L2 capture is only supported on linux")
}
