// Package porterr classifies core errors into the failure kinds that the
// RPC layer surfaces to clients: InvalidValue, InvalidProperty,
// Permission, NotSupported, NoSpace, ResourceNotAvailable, LayerNotFound,
// VolumeAlreadyExists, Busy, Unknown.
//
// Every constructor except Kernel wraps the supplied error with errdefs so
// that callers elsewhere in the tree (or across a future RPC boundary) can
// still use errdefs.Is* on it; Kernel wraps with pkg/errors and keeps the
// underlying errno.
package porterr

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// InvalidValue reports a malformed property value.
func InvalidValue(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}

// InvalidProperty reports an unknown or read-only property name.
func InvalidProperty(name string) error {
	return fmt.Errorf("unknown or read-only property %q: %w", name, errdefs.ErrInvalidArgument)
}

// Permission reports that the creator lacks privilege for the operation.
func Permission(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrPermissionDenied)
}

// NotSupported reports that the chosen backend cannot perform the operation.
func NotSupported(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrNotImplemented)
}

// NoSpace reports that a guarantee or limit could not be honored.
func NoSpace(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrResourceExhausted)
}

// ResourceNotAvailable reports exhaustion of a kernel-side resource (loop
// devices, project ids).
func ResourceNotAvailable(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrUnavailable)
}

// LayerNotFound reports a missing named layer.
func LayerNotFound(name string) error {
	return fmt.Errorf("layer %q not found: %w", name, errdefs.ErrNotFound)
}

// VolumeAlreadyExists reports a path collision in the holder.
func VolumeAlreadyExists(path string) error {
	return fmt.Errorf("volume already exists at %q: %w", path, errdefs.ErrAlreadyExists)
}

// Busy reports that a resource is in use and cannot be removed yet.
func Busy(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrUnavailable)
}

// Kernel wraps a syscall-level error (mount, umount, quotactl, ...) keeping
// its errno accessible via errors.As/Cause.
func Kernel(op string, path string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "%s %s", op, path)
}
