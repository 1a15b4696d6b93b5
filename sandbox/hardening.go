// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/config"
)

// Resource ceilings a policy may not exceed.
const (
	MaxMemoryBytes int64   = 4 << 30
	MaxCPUs        float64 = 4
	MaxPids        int64   = 512
)

// NoNewPrivileges is the security option that blocks setuid escalation.
const NoNewPrivileges = "no-new-privileges:true"

// Mount types.
const (
	MountBind   = "bind"
	MountTmpfs  = "tmpfs"
	MountVolume = "volume"
)

// Mount is one filesystem mount in a container spec.
type Mount struct {
	Type     string
	Source   string
	Target   string
	ReadOnly bool

	// SizeBytes and Mode apply to tmpfs mounts.
	SizeBytes int64
	Mode      uint32
}

// ContainerSpec is the engine-neutral description of one container.
type ContainerSpec struct {
	Name             string
	Image            string
	Command          []string
	User             string
	WorkingDirectory string

	// Environment lists variable names passed through from the host.
	// Values never appear in a spec.
	Environment []string

	ReadOnlyRootfs bool
	Privileged     bool
	CapAdd         []string
	CapDrop        []string
	SecurityOpt    []string

	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64

	Mounts []Mount

	// NetworkMode is "none" for an offline container, empty otherwise.
	NetworkMode string
}

// TmpfsMount is one size-capped scratch mount required by a policy.
type TmpfsMount struct {
	Path      string
	SizeBytes int64
	Mode      uint32
}

// HardeningPolicy is the agent's runtime hardening profile. The rules
// that are not fields (read-only root, no capabilities,
// no-new-privileges) always apply.
type HardeningPolicy struct {
	// User is the numeric "uid:gid" the agent runs as. Root is a
	// violation.
	User        string
	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64
	Tmpfs       []TmpfsMount

	// WorkspaceSource is the host directory exposed read-write at
	// WorkspaceTarget. It is the only host-backed mount allowed.
	WorkspaceSource string
	WorkspaceTarget string
}

// PolicyFromConfig builds the agent policy from the master config.
func PolicyFromConfig(cfg *config.Config) (HardeningPolicy, error) {
	memory, err := cfg.MemoryBytes()
	if err != nil {
		return HardeningPolicy{}, fmt.Errorf("hardening.memory: %w", err)
	}
	workspace, err := filepath.Abs(cfg.Project.Workspace)
	if err != nil {
		return HardeningPolicy{}, fmt.Errorf("project.workspace: %w", err)
	}
	policy := HardeningPolicy{
		User:            cfg.Agent.User,
		MemoryBytes:     memory,
		CPUs:            cfg.Hardening.CPUs,
		PidsLimit:       cfg.Hardening.Pids,
		WorkspaceSource: workspace,
		WorkspaceTarget: cfg.Agent.WorkingDirectory,
	}
	for i, tmpfs := range cfg.Hardening.Tmpfs {
		size, err := config.ParseSize(tmpfs.Size)
		if err != nil {
			return HardeningPolicy{}, fmt.Errorf("hardening.tmpfs[%d].size: %w", i, err)
		}
		mode, err := config.ParseMode(tmpfs.Mode)
		if err != nil {
			return HardeningPolicy{}, fmt.Errorf("hardening.tmpfs[%d].mode: %w", i, err)
		}
		policy.Tmpfs = append(policy.Tmpfs, TmpfsMount{Path: tmpfs.Path, SizeBytes: size, Mode: mode})
	}
	return policy, nil
}

// PolicyViolation lists every hardening rule a policy or spec breaks.
type PolicyViolation struct {
	Rules []string
}

func (v *PolicyViolation) Error() string {
	return "sandbox: hardening policy violated: " + strings.Join(v.Rules, "; ")
}

type violations []string

func (v *violations) add(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &PolicyViolation{Rules: v}
}

// Apply returns spec with policy applied, or a *PolicyViolation naming
// every rule that could not be satisfied. Apply only tightens: a ceiling
// already lower in spec is kept, and anything in spec that would weaken
// the profile (added capabilities, privileged mode, root, extra host
// mounts) is reported rather than overwritten.
func Apply(policy HardeningPolicy, spec ContainerSpec) (ContainerSpec, error) {
	var found violations
	checkPolicy(&found, policy)

	hardened := spec
	hardened.CapAdd = slices.Clone(spec.CapAdd)
	hardened.SecurityOpt = slices.Clone(spec.SecurityOpt)
	hardened.Mounts = slices.Clone(spec.Mounts)

	if hardened.User == "" {
		hardened.User = policy.User
	}
	hardened.ReadOnlyRootfs = true
	hardened.CapDrop = []string{"ALL"}
	if !slices.Contains(hardened.SecurityOpt, NoNewPrivileges) {
		hardened.SecurityOpt = append(hardened.SecurityOpt, NoNewPrivileges)
	}
	hardened.MemoryBytes = tighten(spec.MemoryBytes, policy.MemoryBytes)
	hardened.PidsLimit = tighten(spec.PidsLimit, policy.PidsLimit)
	hardened.CPUs = tighten(spec.CPUs, policy.CPUs)

	for _, tmpfs := range policy.Tmpfs {
		index := slices.IndexFunc(hardened.Mounts, func(m Mount) bool { return path.Clean(m.Target) == path.Clean(tmpfs.Path) })
		if index < 0 {
			hardened.Mounts = append(hardened.Mounts, Mount{
				Type:      MountTmpfs,
				Target:    tmpfs.Path,
				SizeBytes: tmpfs.SizeBytes,
				Mode:      tmpfs.Mode,
			})
			continue
		}
		existing := &hardened.Mounts[index]
		if existing.Type != MountTmpfs {
			found.add("%s must be a tmpfs mount, spec has %s", tmpfs.Path, existing.Type)
			continue
		}
		existing.SizeBytes = tighten(existing.SizeBytes, tmpfs.SizeBytes)
	}

	if policy.WorkspaceSource != "" {
		index := slices.IndexFunc(hardened.Mounts, func(m Mount) bool { return path.Clean(m.Target) == path.Clean(policy.WorkspaceTarget) })
		if index < 0 {
			hardened.Mounts = append(hardened.Mounts, Mount{
				Type:   MountBind,
				Source: policy.WorkspaceSource,
				Target: policy.WorkspaceTarget,
			})
		} else if hardened.Mounts[index].Source != policy.WorkspaceSource {
			found.add("workspace target %s is mounted from %q, want %q",
				policy.WorkspaceTarget, hardened.Mounts[index].Source, policy.WorkspaceSource)
		}
		if hardened.WorkingDirectory == "" {
			hardened.WorkingDirectory = policy.WorkspaceTarget
		}
	}

	checkSpec(&found, hardened, policy.WorkspaceTarget)
	if err := found.err(); err != nil {
		return ContainerSpec{}, err
	}
	return hardened, nil
}

// ValidateHardened checks spec against every hardening rule without
// modifying it. The one host bind mount allowed is the read-write
// workspace at spec.WorkingDirectory.
func ValidateHardened(spec ContainerSpec) error {
	var found violations
	checkSpec(&found, spec, spec.WorkingDirectory)
	return found.err()
}

func checkPolicy(found *violations, policy HardeningPolicy) {
	if policy.MemoryBytes <= 0 || policy.MemoryBytes > MaxMemoryBytes {
		found.add("policy memory ceiling %d must be in (0, %d]", policy.MemoryBytes, MaxMemoryBytes)
	}
	if policy.CPUs <= 0 || policy.CPUs > MaxCPUs {
		found.add("policy cpu ceiling %g must be in (0, %g]", policy.CPUs, MaxCPUs)
	}
	if policy.PidsLimit <= 0 || policy.PidsLimit > MaxPids {
		found.add("policy pids ceiling %d must be in [1, %d]", policy.PidsLimit, MaxPids)
	}
	for _, tmpfs := range policy.Tmpfs {
		if tmpfs.SizeBytes <= 0 {
			found.add("policy tmpfs %s needs a size cap", tmpfs.Path)
		}
	}
	if policy.WorkspaceSource != "" && !path.IsAbs(policy.WorkspaceTarget) {
		found.add("workspace target %q must be absolute", policy.WorkspaceTarget)
	}
}

func checkSpec(found *violations, spec ContainerSpec, workspaceTarget string) {
	uid, _, err := config.ParseUser(spec.User)
	switch {
	case spec.User == "":
		found.add("user must be set")
	case err != nil:
		found.add("user %q must be numeric uid:gid", spec.User)
	case uid == 0:
		found.add("user must not be root")
	}
	if !spec.ReadOnlyRootfs {
		found.add("root filesystem must be read-only")
	}
	if spec.Privileged {
		found.add("privileged mode is not allowed")
	}
	if !slices.Equal(spec.CapDrop, []string{"ALL"}) {
		found.add("cap_drop must be [ALL], got %v", spec.CapDrop)
	}
	if len(spec.CapAdd) > 0 {
		found.add("cap_add must be empty, got %v", spec.CapAdd)
	}
	if !slices.Contains(spec.SecurityOpt, NoNewPrivileges) {
		found.add("security_opt must include %s", NoNewPrivileges)
	}
	if spec.MemoryBytes <= 0 || spec.MemoryBytes > MaxMemoryBytes {
		found.add("memory ceiling %d must be in (0, %d]", spec.MemoryBytes, MaxMemoryBytes)
	}
	if spec.CPUs <= 0 || spec.CPUs > MaxCPUs {
		found.add("cpu ceiling %g must be in (0, %g]", spec.CPUs, MaxCPUs)
	}
	if spec.PidsLimit <= 0 || spec.PidsLimit > MaxPids {
		found.add("pids ceiling %d must be in [1, %d]", spec.PidsLimit, MaxPids)
	}

	workspaceMounts := 0
	for _, mount := range spec.Mounts {
		switch mount.Type {
		case MountTmpfs:
			if mount.SizeBytes <= 0 {
				found.add("tmpfs %s needs a size cap", mount.Target)
			}
		case MountBind:
			if reason := forbiddenSource(mount.Source); reason != "" {
				found.add("mount source %s is %s", mount.Source, reason)
				continue
			}
			if workspaceTarget == "" || path.Clean(mount.Target) != path.Clean(workspaceTarget) {
				found.add("host mount %s -> %s is not the workspace", mount.Source, mount.Target)
				continue
			}
			if mount.ReadOnly {
				found.add("workspace mount %s must be read-write", mount.Target)
			}
			workspaceMounts++
		case MountVolume:
			found.add("named volume %s -> %s is not allowed; the workspace bind mount is the only persistent storage", mount.Source, mount.Target)
		default:
			found.add("mount %s has disallowed type %q", mount.Target, mount.Type)
		}
	}
	if workspaceTarget != "" && workspaceMounts != 1 {
		found.add("want exactly one workspace mount at %s, have %d", workspaceTarget, workspaceMounts)
	}
}

// HostPath is a host file or directory owned by the control plane.
type HostPath struct {
	// Name is the config field the path came from.
	Name string
	Path string
}

// CheckControlPlanePaths returns a *PolicyViolation naming every path
// that lies inside workspace, including workspace itself. Symlinks in
// the existing part of each path are resolved first. Empty paths are
// skipped.
func CheckControlPlanePaths(workspace string, paths ...HostPath) error {
	var found violations
	root := resolveHostPath(workspace)
	for _, hostPath := range paths {
		if hostPath.Path == "" {
			continue
		}
		if hostWithin(resolveHostPath(hostPath.Path), root) {
			found.add("%s %s is inside the agent workspace %s", hostPath.Name, hostPath.Path, workspace)
		}
	}
	return found.err()
}

// resolveHostPath makes hostPath absolute and resolves symlinks in its
// longest existing prefix.
func resolveHostPath(hostPath string) string {
	absolute, err := filepath.Abs(hostPath)
	if err != nil {
		return filepath.Clean(hostPath)
	}
	existing, rest := absolute, ""
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return absolute
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

func hostWithin(child, parent string) bool {
	relative, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return relative == "." || (relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator)))
}

// credentialStores are path components that mark a credential store.
var credentialStores = []string{
	".ssh", ".gnupg", ".aws", ".azure", ".kube", ".docker",
	".netrc", ".git-credentials", ".password-store", ".config/gh", ".config/gcloud",
}

// engineSockets are container-engine control sockets and runtime
// directories.
var engineSockets = []string{
	"/var/run/docker.sock", "/run/docker.sock", "/run/containerd",
	"/run/podman", "/var/run/podman", "/var/run/containerd",
}

// systemDirectories may never be bind-mounted, nor may anything under
// them.
var systemDirectories = []string{
	"/etc", "/proc", "/sys", "/dev", "/boot", "/usr", "/bin",
	"/sbin", "/lib", "/lib64", "/var/run", "/run", "/var/lib/docker",
}

// hostTrees may not be mounted whole, though a project below them may.
var hostTrees = []string{"/root", "/home", "/var", "/opt", "/srv", "/tmp", "/Users"}

// forbiddenSource names why a host path may not be mounted into the
// agent, or returns "" if it may.
func forbiddenSource(source string) string {
	if source == "" {
		return "empty"
	}
	cleaned := path.Clean(source)
	if cleaned == "/" {
		return "the host root"
	}
	for _, socket := range engineSockets {
		if within(cleaned, socket) {
			return "a container engine socket"
		}
	}
	if strings.HasSuffix(cleaned, ".sock") {
		return "a unix socket"
	}
	for _, store := range credentialStores {
		if strings.Contains(cleaned+"/", "/"+store+"/") {
			return "a credential store"
		}
	}
	for _, directory := range systemDirectories {
		if within(cleaned, directory) {
			return "a system directory"
		}
	}
	if slices.Contains(hostTrees, cleaned) {
		return "a whole host tree"
	}
	return ""
}

func within(cleaned, directory string) bool {
	return cleaned == directory || strings.HasPrefix(cleaned, directory+"/")
}

// tighten returns the lower positive value of current and ceiling.
func tighten[T int64 | float64](current, ceiling T) T {
	if current > 0 && (ceiling <= 0 || current < ceiling) {
		return current
	}
	return ceiling
}
