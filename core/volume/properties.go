//go:build linux

package volume

import (
	"os/user"
	"strconv"

	units "github.com/docker/go-units"

	"github.com/blockspacer/porto/core/porterr"
)

// volumeProperties is the whitelist Configure checks every incoming
// property name against before touching anything else. The bool marks a
// property the daemon sets itself and a client may never supply.
var volumeProperties = map[string]bool{
	"backend":         false,
	"storage":         false,
	"ready":           true,
	"private":         false,
	"user":            false,
	"group":           false,
	"permissions":     false,
	"read_only":       false,
	"layers":          false,
	"place":           false,
	"space_limit":     false,
	"inode_limit":     false,
	"space_guarantee": false,
	"inode_guarantee": false,
}

// checkPropertyNames rejects any name Configure does not recognize, or
// that is reserved for internal use.
func checkPropertyNames(props map[string]string) error {
	for name := range props {
		readOnly, known := volumeProperties[name]
		if !known || readOnly {
			return porterr.InvalidProperty(name)
		}
	}
	return nil
}

// applyProperty sets the field one recognized, non-special-cased property
// name maps to. "backend" sets v.Backend; "storage" and "place" are
// resolved earlier in Configure and are accepted here as no-ops so a full
// property map can be replayed without special-casing at the call site.
func applyProperty(v *Volume, name, value string) error {
	switch name {
	case "backend":
		v.Backend = BackendType(value)
	case "private":
		v.Private = value
	case "user":
		uid, err := resolveUser(value)
		if err != nil {
			return err
		}
		v.OwnerUID = uid
	case "group":
		gid, err := resolveGroup(value)
		if err != nil {
			return err
		}
		v.OwnerGID = gid
	case "permissions":
		v.Perms = parseOctal(value, v.Perms)
	case "read_only":
		ro, err := strconv.ParseBool(value)
		if err != nil {
			return porterr.InvalidValue("read_only: %v", err)
		}
		v.IsReadOnly = ro
	case "layers":
		v.Layers = SplitEscaped(value)
	case "space_limit":
		n, err := units.RAMInBytes(value)
		if err != nil {
			return porterr.InvalidValue("space_limit %q: %v", value, err)
		}
		v.SpaceLimit = uint64(n)
	case "inode_limit":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return porterr.InvalidValue("inode_limit %q: %v", value, err)
		}
		v.InodeLimit = n
	case "space_guarantee":
		n, err := units.RAMInBytes(value)
		if err != nil {
			return porterr.InvalidValue("space_guarantee %q: %v", value, err)
		}
		v.SpaceGuarantee = uint64(n)
	case "inode_guarantee":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return porterr.InvalidValue("inode_guarantee %q: %v", value, err)
		}
		v.InodeGuarantee = n
	case "storage", "place":
		// resolved earlier in Configure.
	}
	return nil
}

func resolveUser(s string) (int, error) {
	if uid, err := strconv.Atoi(s); err == nil {
		return uid, nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, porterr.InvalidValue("unknown user %q: %v", s, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	return uid, nil
}

func resolveGroup(s string) (int, error) {
	if gid, err := strconv.Atoi(s); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, porterr.InvalidValue("unknown group %q: %v", s, err)
	}
	gid, _ := strconv.Atoi(g.Gid)
	return gid, nil
}
