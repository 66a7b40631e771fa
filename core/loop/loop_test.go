package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexParsesLoopDevice(t *testing.T) {
	assert.Equal(t, 7, Index("/dev/loop7"))
}

func TestIndexParsesRBDDevice(t *testing.T) {
	assert.Equal(t, 3, Index("/dev/rbd3"))
}

func TestIndexRejectsUnknownShape(t *testing.T) {
	assert.Equal(t, -1, Index("/dev/sda1"))
	assert.Equal(t, -1, Index(""))
}

func TestDevicePathRoundTrip(t *testing.T) {
	assert.Equal(t, "/dev/loop4", DevicePath(4))
	assert.Equal(t, "", DevicePath(-1))
}
