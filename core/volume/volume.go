//go:build linux

package volume

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
	"github.com/blockspacer/porto/core/quota"
)

// Credential identifies the uid/gid pair a Volume operation is performed
// as, plus any supplementary group ids the caller belongs to (used only
// to widen the ownership-change check in Configure).
type Credential struct {
	UID    int
	GID    int
	Groups []int
}

// IsRoot reports whether the credential can bypass ownership and place
// checks.
func (c Credential) IsRoot() bool { return c.UID == 0 }

// hasGroup reports whether gid is c's primary or a supplementary group.
func (c Credential) hasGroup(gid int) bool {
	if c.GID == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// QuotaProvider is the narrow surface Volume needs from VolumeHolder to
// reach a project-quota Driver for a given backing filesystem without
// importing the holder package back. Volume never constructs a Driver itself.
type QuotaProvider interface {
	DriverFor(basePath string) (*quota.Driver, error)
	Enabled() bool
}

// Volume is a single provisioned storage volume.
type Volume struct {
	mu sync.Mutex

	ID string

	Path         string
	IsAutoPath   bool
	Storage      string
	StoragePath  string
	IsAutoStorage bool

	Backend BackendType
	backend Backend

	OwnerUID int
	OwnerGID int
	Perms    os.FileMode

	Creator      string
	CreatorCred  Credential
	CreatorRoot  string

	Private    string
	IsReady    bool
	IsReadOnly bool

	Layers []string
	Place  *Place

	SpaceLimit     uint64
	SpaceGuarantee uint64
	InodeLimit     uint64
	InodeGuarantee uint64

	LoopDev int

	Containers []string

	kv      KVStore
	quotas  QuotaProvider
}

// NewVolume constructs a Volume with sensible zero-value defaults: no
// loop device attached, no storage override, read-write, not yet built.
func NewVolume(id string, kv KVStore, quotas QuotaProvider) *Volume {
	return &Volume{
		ID:            id,
		LoopDev:       -1,
		Perms:         0775,
		IsAutoStorage: true,
		kv:            kv,
		quotas:        quotas,
	}
}

// HaveQuota reports whether the volume was configured with a space or
// inode quota, the gate every quota-capable backend checks before
// touching the quota driver.
func (v *Volume) HaveQuota() bool {
	return v.SpaceLimit != 0 || v.InodeLimit != 0
}

func (v *Volume) quotaFeatureEnabled() bool {
	if v.quotas == nil {
		return false
	}
	return v.quotas.Enabled()
}

func (v *Volume) quotaDriverFor(basePath string) (*quota.Driver, error) {
	if v.quotas == nil {
		return nil, porterr.NotSupported("volume %s: no quota provider configured", v.ID)
	}
	return v.quotas.DriverFor(basePath)
}

// defaultPath renders one of the id-scoped children of the place's
// volumes directory: "internal" for backend-private scratch space,
// "volume" for the default mount target, or a backend name for its
// default storage directory.
func (v *Volume) defaultPath(kind string) string {
	return filepath.Join(v.Place.VolumesPath(), v.ID, kind)
}

// InternalPath is the backend-private work directory for staging (overlay
// layer stages, future backend scratch space), never exposed to the
// container.
func (v *Volume) InternalPath() string {
	return v.defaultPath("internal")
}

// chrootPortoDir is the directory name under a chrooted creator's root
// that holds that creator's auto-assigned volume paths, defaulting to
// "porto" when the place doesn't override it.
func (v *Volume) chrootPortoDir() string {
	if v.Place != nil && v.Place.ChrootPortoDir != "" {
		return v.Place.ChrootPortoDir
	}
	return "porto"
}

// LoopImagePath is where the loop backend's ext4 image file lives.
func (v *Volume) LoopImagePath() string {
	return filepath.Join(v.StoragePath, "loop.img")
}

// LoopDevicePath renders the volume's loop (or, for rbd, rbd) device
// index back to a /dev path, or "" if none is attached.
func (v *Volume) LoopDevicePath() string {
	if v.LoopDev < 0 {
		return ""
	}
	if v.Backend == BackendRBD {
		return "/dev/rbd" + strconv.Itoa(v.LoopDev)
	}
	return "/dev/loop" + strconv.Itoa(v.LoopDev)
}

// autoDetectBackend picks a backend when the caller left one unset: loop
// if a quota is wanted but native is unavailable, overlay if layers are
// set and supported, native if supported, else plain.
func autoDetectBackend(v *Volume) BackendType {
	if v.HaveQuota() && !v.quotaFeatureEnabled() {
		return BackendLoop
	}
	if len(v.Layers) > 0 && OverlaySupported() {
		return BackendOverlay
	}
	if v.quotaFeatureEnabled() {
		return BackendNative
	}
	return BackendPlain
}

// ConfigureRequest bundles what a caller supplies to Configure: the raw
// property map exactly as received (validated before anything else is
// touched), the caller-supplied volume path (empty to auto-assign), and
// the identity Configure records as the volume's creator.
type ConfigureRequest struct {
	Path        string
	Properties  map[string]string
	CreatorName string
	CreatorCred Credential
	CreatorRoot string
}

// Configure validates and resolves the volume before Build may be
// called. v.Place must already hold the holder's default place; a
// "place" property, if present, replaces it with a checked custom one.
func (v *Volume) Configure(ctx context.Context, req ConfigureRequest, guarantees GuaranteeChecker) error {
	// 1. reject unknown or read-only-reserved property names.
	if err := checkPropertyNames(req.Properties); err != nil {
		return err
	}

	// 2. resolve place.
	if custom, ok := req.Properties["place"]; ok {
		if v.Place == nil {
			return porterr.InvalidValue("no default place configured")
		}
		p := *v.Place
		p.Root = custom
		if err := CheckPlace(&p); err != nil {
			return err
		}
		v.Place = &p
	}

	// 3. validate or auto-assign path.
	if err := v.resolvePath(req.Path, req.CreatorCred, req.CreatorRoot); err != nil {
		return err
	}

	// 4. validate storage, gated on whatever backend the caller named
	// (autodetect, step 10, cannot run yet).
	backendHint := v.Backend
	if b, ok := req.Properties["backend"]; ok {
		backendHint = BackendType(b)
	}
	if err := v.resolveStorage(req.Properties["storage"], backendHint, req.CreatorCred); err != nil {
		return err
	}

	// 5. record creator identity and root; default ownership to the
	// creator, subject to override (and the step 7 check) below.
	v.Creator = req.CreatorName
	v.CreatorCred = req.CreatorCred
	v.CreatorRoot = req.CreatorRoot
	v.OwnerUID = req.CreatorCred.UID
	v.OwnerGID = req.CreatorCred.GID

	// 6. apply remaining properties.
	for name, value := range req.Properties {
		if err := applyProperty(v, name, value); err != nil {
			return err
		}
	}

	// 7. reject ownership changes to unrelated principals.
	if !req.CreatorCred.IsRoot() {
		if v.OwnerUID != req.CreatorCred.UID {
			return porterr.Permission("changing volume owner to uid %d is not permitted", v.OwnerUID)
		}
		if !req.CreatorCred.hasGroup(v.OwnerGID) {
			return porterr.Permission("changing volume group to gid %d is not permitted", v.OwnerGID)
		}
	}

	// 8. validate layers: charset for named layers, existence and
	// creator-root containment for both kinds.
	for _, l := range v.Layers {
		if err := v.validateLayerAt(l); err != nil {
			return err
		}
	}

	// 9. cross-check limits against guarantees.
	if v.SpaceLimit != 0 && v.SpaceGuarantee > v.SpaceLimit {
		return porterr.InvalidValue("space_guarantee %d exceeds space_limit %d", v.SpaceGuarantee, v.SpaceLimit)
	}
	if v.InodeLimit != 0 && v.InodeGuarantee > v.InodeLimit {
		return porterr.InvalidValue("inode_guarantee %d exceeds inode_limit %d", v.InodeGuarantee, v.InodeLimit)
	}

	// 10. autodetect backend when unspecified, then finish resolving an
	// auto storage path now that the backend is known.
	if v.Backend == "" {
		v.Backend = autoDetectBackend(v)
	}
	if v.IsAutoStorage {
		v.StoragePath = v.defaultPath(string(v.Backend))
	}

	// 11. open the backend and let it reject what it cannot serve.
	backend, err := NewBackend(v.Backend)
	if err != nil {
		return err
	}
	v.backend = backend
	if err := v.backend.Configure(v); err != nil {
		return err
	}

	// 12. re-run the cross-volume guarantee check under the holder lock.
	if guarantees != nil {
		if err := guarantees.CheckGuarantee(v, v.SpaceGuarantee, v.InodeGuarantee); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath implements step 3: an explicit path must be absolute,
// normalized, existing, a directory, and writable by the creator; an
// omitted path is auto-assigned under the place, or under the creator's
// chroot porto directory when the creator's root isn't the host root.
func (v *Volume) resolvePath(path string, cred Credential, creatorRoot string) error {
	if path != "" {
		if !filepath.IsAbs(path) {
			return porterr.InvalidValue("volume path %q must be absolute", path)
		}
		if filepath.Clean(path) != path {
			return porterr.InvalidValue("volume path %q must be normalized", path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return porterr.InvalidValue("volume path %q does not exist", path)
		}
		if !info.IsDir() {
			return porterr.InvalidValue("volume path %q must be a directory", path)
		}
		writable, err := pathops.Writable(path, cred.UID, cred.GID)
		if err != nil {
			return porterr.Kernel("stat", path, err)
		}
		if !writable {
			return porterr.Permission("volume path %q usage not permitted", path)
		}
		v.Path = path
		v.IsAutoPath = false
		return nil
	}

	if creatorRoot == "" || creatorRoot == "/" {
		v.Path = v.defaultPath("volume")
		v.IsAutoPath = true
		return nil
	}
	chrootDir := filepath.Join(creatorRoot, v.chrootPortoDir())
	if err := os.MkdirAll(chrootDir, 0755); err != nil {
		return porterr.Kernel("mkdir", chrootDir, err)
	}
	v.Path = filepath.Join(chrootDir, "volume_"+v.ID)
	v.IsAutoPath = true
	return nil
}

// resolveStorage implements step 4. tmpfs never accepts a storage
// override; rbd takes its storage verbatim as the "<id>@<pool>/<image>"
// spec that rbdBackend.Configure parses; every other backend either takes
// the caller's validated path or is marked auto (the concrete default
// path is filled in once autodetect, step 10, has settled on a final
// backend).
func (v *Volume) resolveStorage(storage string, backendHint BackendType, cred Credential) error {
	if backendHint == BackendRBD {
		v.Storage = storage
		v.IsAutoStorage = storage == ""
		return nil
	}
	if backendHint == BackendTmpfs {
		if storage != "" {
			return porterr.InvalidValue("backend %q does not accept a storage override", backendHint)
		}
		v.IsAutoStorage = true
		return nil
	}
	if storage == "" {
		v.IsAutoStorage = true
		return nil
	}
	if !filepath.IsAbs(storage) {
		return porterr.InvalidValue("storage path %q must be absolute", storage)
	}
	if filepath.Clean(storage) != storage {
		return porterr.InvalidValue("storage path %q must be normalized", storage)
	}
	info, err := os.Stat(storage)
	if err != nil {
		return porterr.InvalidValue("storage path %q does not exist", storage)
	}
	if !info.IsDir() {
		return porterr.InvalidValue("storage path %q must be a directory", storage)
	}
	writable, err := pathops.Writable(storage, cred.UID, cred.GID)
	if err != nil {
		return porterr.Kernel("stat", storage, err)
	}
	if !writable {
		return porterr.Permission("storage path %q usage not permitted", storage)
	}
	v.Storage = storage
	v.StoragePath = storage
	v.IsAutoStorage = false
	return nil
}

// validateLayerAt checks one configured layer: charset for a named
// layer, then existence-as-a-directory for either kind, reusing
// overlayBackend.resolveLayer for the creator-root containment check an
// absolute layer path is subject to.
func (v *Volume) validateLayerAt(l string) error {
	if !filepath.IsAbs(l) {
		if err := validateLayerName(l); err != nil {
			return err
		}
	}
	full, err := (&overlayBackend{}).resolveLayer(v, l)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return porterr.LayerNotFound(l)
	}
	if !info.IsDir() {
		return porterr.InvalidValue("layer %q is not a directory", l)
	}
	return nil
}

func validateLayerName(l string) error {
	if l == "" {
		return porterr.InvalidValue("empty layer name")
	}
	if filepath.IsAbs(l) {
		return nil
	}
	switch l {
	case ".", "..", "_tmp_":
		return porterr.InvalidValue("layer name %q is reserved", l)
	}
	for _, r := range l {
		ok := r == '_' || r == '-' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return porterr.InvalidValue("layer name %q contains invalid character %q", l, r)
		}
	}
	return nil
}

// GuaranteeChecker is the surface Configure/Tune need from VolumeHolder to
// run cross-volume guarantee accounting without an import cycle.
type GuaranteeChecker interface {
	CheckGuarantee(v *Volume, wantSpace, wantInodes uint64) error
}

// Build materializes the volume on disk, rolling back everything already
// done if a later step fails.
func (v *Volume) Build(ctx context.Context) (retErr error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(v.InternalPath(), 0700); err != nil {
		return porterr.Kernel("mkdir", v.InternalPath(), err)
	}
	defer func() {
		if retErr != nil {
			pathops.RemoveAll(v.InternalPath())
		}
	}()

	if v.IsAutoStorage {
		if err := pathops.MkdirOwned(v.StoragePath, 0755, v.OwnerUID, v.OwnerGID); err != nil {
			return err
		}
		defer func() {
			if retErr != nil {
				pathops.RemoveAll(v.StoragePath)
			}
		}()
	}

	if v.IsAutoPath {
		if err := os.MkdirAll(v.Path, 0755); err != nil {
			return porterr.Kernel("mkdir", v.Path, err)
		}
		defer func() {
			if retErr != nil {
				pathops.RemoveAll(v.Path)
			}
		}()
	}

	if err := v.backend.Build(ctx, v); err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			v.backend.Destroy(ctx, v)
		}
	}()

	if len(v.Layers) > 0 && v.Backend != BackendOverlay {
		if err := v.mergeLayers(); err != nil {
			return err
		}
	}

	v.IsReady = true
	return v.Save()
}

// mergeLayers copies each configured layer onto the volume path in order
// (bottom layer first, so later layers overwrite), then sanitizes
// whiteouts and applies final ownership.
func (v *Volume) mergeLayers() error {
	ob := &overlayBackend{}
	for i := len(v.Layers) - 1; i >= 0; i-- {
		src, err := ob.resolveLayer(v, v.Layers[i])
		if err != nil {
			return err
		}
		if err := copyTree(src, v.Path); err != nil {
			return err
		}
	}
	if err := sanitizeWhiteouts(v.Path, true); err != nil {
		return err
	}
	return pathops.MkdirOwned(v.Path, v.Perms, v.OwnerUID, v.OwnerGID)
}

// Destroy tears the volume down, best-effort: every step runs even if an
// earlier one failed, and the first error is what's returned.
func (v *Volume) Destroy(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var result *multierror.Error
	if v.backend != nil {
		if err := v.backend.Destroy(ctx, v); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if v.IsAutoStorage {
		if err := pathops.RemoveAll(v.StoragePath); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if v.IsAutoPath {
		if err := pathops.RemoveAll(v.Path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := pathops.RemoveAll(v.InternalPath()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := v.dropWeakLayers(); err != nil {
		result = multierror.Append(result, err)
	}
	if v.kv != nil {
		if err := v.kv.Delete(v.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	return result.Errors[0]
}

// dropWeakLayers removes any layer this volume owns exclusively, named
// with a "_weak_" prefix, from the place's layer directory.
func (v *Volume) dropWeakLayers() error {
	var result *multierror.Error
	for _, l := range v.Layers {
		if !isWeakLayer(l) {
			continue
		}
		p := filepath.Join(v.Place.LayersPath(), l)
		if err := pathops.RemoveAll(p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func isWeakLayer(name string) bool {
	const prefix = "_weak_"
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}

// Tune applies the four runtime-mutable properties.
func (v *Volume) Tune(ctx context.Context, guarantees GuaranteeChecker, spaceLimit, spaceGuarantee, inodeLimit, inodeGuarantee *uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	newSpaceGuarantee, newInodeGuarantee := v.SpaceGuarantee, v.InodeGuarantee
	if spaceGuarantee != nil {
		newSpaceGuarantee = *spaceGuarantee
	}
	if inodeGuarantee != nil {
		newInodeGuarantee = *inodeGuarantee
	}
	if guarantees != nil && (spaceGuarantee != nil || inodeGuarantee != nil) {
		if err := guarantees.CheckGuarantee(v, newSpaceGuarantee, newInodeGuarantee); err != nil {
			return err
		}
	}

	newSpaceLimit, newInodeLimit := v.SpaceLimit, v.InodeLimit
	if spaceLimit != nil {
		newSpaceLimit = *spaceLimit
	}
	if inodeLimit != nil {
		newInodeLimit = *inodeLimit
	}
	if newSpaceLimit != v.SpaceLimit || newInodeLimit != v.InodeLimit {
		if err := v.backend.Resize(ctx, v, newSpaceLimit, newInodeLimit); err != nil {
			return err
		}
		v.SpaceLimit, v.InodeLimit = newSpaceLimit, newInodeLimit
	}
	v.SpaceGuarantee, v.InodeGuarantee = newSpaceGuarantee, newInodeGuarantee

	return v.Save()
}

// LinkContainer appends name to the volume's container set if absent.
func (v *Volume) LinkContainer(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, c := range v.Containers {
		if c == name {
			return nil
		}
	}
	v.Containers = append(v.Containers, name)
	return v.Save()
}

// UnlinkContainer removes name from the volume's container set, returning
// true iff the set became empty (the caller must then Destroy the
// volume).
func (v *Volume) UnlinkContainer(name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := v.Containers[:0]
	for _, c := range v.Containers {
		if c != name {
			out = append(out, c)
		}
	}
	v.Containers = out
	if err := v.Save(); err != nil {
		return false, err
	}
	return len(v.Containers) == 0, nil
}

// StatFS delegates to the active backend.
func (v *Volume) StatFS() (pathops.StatFS, error) {
	return v.backend.StatFS(v)
}

// ToRecord projects the in-memory Volume into its persisted form.
func (v *Volume) ToRecord() *Record {
	r := &Record{
		ID:             v.ID,
		Path:           v.Path,
		AutoPath:       v.IsAutoPath,
		Storage:        v.Storage,
		AutoStorage:    v.IsAutoStorage,
		Backend:        string(v.Backend),
		User:           strconv.Itoa(v.OwnerUID),
		Group:          strconv.Itoa(v.OwnerGID),
		Permissions:    strconv.FormatUint(uint64(v.Perms.Perm()), 8),
		Creator:        v.Creator,
		Ready:          v.IsReady,
		Private:        v.Private,
		Containers:     JoinEscaped(v.Containers),
		LoopDev:        v.LoopDev,
		ReadOnly:       v.IsReadOnly,
		Layers:         JoinEscaped(v.Layers),
		SpaceLimit:     v.SpaceLimit,
		SpaceGuarantee: v.SpaceGuarantee,
		InodeLimit:     v.InodeLimit,
		InodeGuarantee: v.InodeGuarantee,
	}
	if v.Place != nil {
		r.Place = v.Place.Root
	}
	return r
}

// FromRecord restores in-memory fields from a persisted record. Place and
// the KV/quota back-references must already be set on v by the caller
// (Recovery knows the current place layout; a record's place field is
// informational).
func (v *Volume) FromRecord(r *Record) error {
	v.ID = r.ID
	v.Path = r.Path
	v.IsAutoPath = r.AutoPath
	v.Storage = r.Storage
	v.IsAutoStorage = r.AutoStorage
	v.Backend = BackendType(r.Backend)
	if uid, err := strconv.Atoi(r.User); err == nil {
		v.OwnerUID = uid
	}
	if gid, err := strconv.Atoi(r.Group); err == nil {
		v.OwnerGID = gid
	}
	v.Perms = parseOctal(r.Permissions, 0775)
	v.Creator = r.Creator
	v.IsReady = r.Ready
	v.Private = r.Private
	v.Containers = SplitEscaped(r.Containers)
	v.LoopDev = r.LoopDev
	v.IsReadOnly = r.ReadOnly
	v.Layers = SplitEscaped(r.Layers)
	v.SpaceLimit = r.SpaceLimit
	v.SpaceGuarantee = r.SpaceGuarantee
	v.InodeLimit = r.InodeLimit
	v.InodeGuarantee = r.InodeGuarantee

	backend, err := NewBackend(v.Backend)
	if err != nil {
		return err
	}
	v.backend = backend
	fields := map[string]string{}
	if v.LoopDev >= 0 {
		fields["loop_dev"] = strconv.Itoa(v.LoopDev)
	}
	return v.backend.Restore(v, fields)
}

// Save persists the volume's current state to its KV record.
func (v *Volume) Save() error {
	if v.kv == nil {
		return nil
	}
	data, err := v.ToRecord().Encode()
	if err != nil {
		return err
	}
	return v.kv.Save(v.ID, data)
}
