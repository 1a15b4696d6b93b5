// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package inspect

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/SapphireBeehiveStudios/sapphire-bee/sandbox"
	"github.com/SapphireBeehiveStudios/sapphire-bee/stack"
	"github.com/SapphireBeehiveStudios/sapphire-bee/topology"
)

// Check is the outcome of one property on one service.
type Check struct {
	Service string
	Name    string
	Passed  bool
	Detail  string
}

// Report collects every check of one verification run.
type Report struct {
	Checks []Check
}

// Passed reports whether every check passed. An empty report has not
// verified anything and does not pass.
func (r *Report) Passed() bool {
	return len(r.Checks) > 0 && len(r.Failures()) == 0
}

// Failures returns the failed checks in order.
func (r *Report) Failures() []Check {
	var failed []Check
	for _, check := range r.Checks {
		if !check.Passed {
			failed = append(failed, check)
		}
	}
	return failed
}

// Print writes one line per check followed by a summary.
func (r *Report) Print(w io.Writer) {
	for _, check := range r.Checks {
		status := "PASS"
		if !check.Passed {
			status = "FAIL"
		}
		line := fmt.Sprintf("[%s] %s: %s", status, check.Service, check.Name)
		if check.Detail != "" {
			line += " (" + check.Detail + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\n%d/%d checks passed\n", len(r.Checks)-len(r.Failures()), len(r.Checks))
}

func (r *Report) add(service, name string, err error) {
	check := Check{Service: service, Name: name, Passed: err == nil}
	if err != nil {
		check.Detail = err.Error()
	}
	r.Checks = append(r.Checks, check)
}

// Verify compares running containers against the declaration. Each
// declared service is matched by its compose service label; every
// container of the project that is not declared is reported as well.
func Verify(declaration *stack.Declaration, containers []Container) Report {
	var report Report
	byService := make(map[string]Container, len(containers))
	for _, container := range containers {
		byService[container.Service] = container
	}

	var observed []topology.Observed
	for _, service := range declaration.Services {
		container, ok := byService[service.Name]
		if !ok {
			report.add(service.Name, "running", errors.New("no container for this service"))
			continue
		}
		delete(byService, service.Name)
		report.add(service.Name, "running", nil)

		if declaration.Mode == stack.Offline {
			report.add(service.Name, "network isolation", checkOffline(container))
		} else {
			report.add(service.Name, "network attachments", checkAttachments(declaration, service, container))
			observed = append(observed, topology.Observed{
				Name:     service.Name,
				Role:     service.Role,
				Segments: segments(declaration.Project, container),
			})
		}

		if service.Role == topology.RoleAgent {
			report.add(service.Name, "identity", checkUser(declaration.Policy.User, container))
			report.add(service.Name, "privileges", checkPrivileges(container))
			report.add(service.Name, "resource limits", checkLimits(declaration.Policy, container))
			report.add(service.Name, "mounts", checkMounts(declaration.Policy, container))
			if declaration.Mode == stack.Networked {
				report.add(service.Name, "resolver", checkResolvers(service, container))
			}
		} else {
			report.add(service.Name, "identity", checkUser(service.Container.User, container))
			report.add(service.Name, "privileges", checkPrivileges(container))
		}
	}

	if declaration.Mode == stack.Networked && declaration.Plan != nil {
		report.add("stack", "dual-homing", topology.CheckDualHomed(
			declaration.Plan.Internal.Name, declaration.Plan.Egress.Name, observed))
	}
	for name := range byService {
		report.add(name, "declared", errors.New("container is not part of the declaration"))
	}
	return report
}

// segments maps the container's networks back to declared segment
// names; compose prefixes network names with the project.
func segments(project string, container Container) []string {
	var names []string
	for _, name := range container.NetworkNames() {
		names = append(names, strings.TrimPrefix(name, project+"_"))
	}
	return names
}

func checkOffline(container Container) error {
	if container.NetworkMode != "none" {
		return fmt.Errorf("network mode is %q, want none", container.NetworkMode)
	}
	for name := range container.Networks {
		if name != "none" {
			return fmt.Errorf("attached to network %q", name)
		}
	}
	return nil
}

func checkAttachments(declaration *stack.Declaration, service stack.Service, container Container) error {
	networks := make(map[string]Network, len(container.Networks))
	for name, network := range container.Networks {
		networks[strings.TrimPrefix(name, declaration.Project+"_")] = network
	}
	var problems []string
	for _, attachment := range service.Attachments {
		network, ok := networks[attachment.Segment]
		if !ok {
			problems = append(problems, "not attached to "+attachment.Segment)
			continue
		}
		delete(networks, attachment.Segment)
		if !attachment.Address.IsValid() {
			continue
		}
		want := attachment.Address.String()
		if network.StaticAddress != want && network.Address != want {
			problems = append(problems, fmt.Sprintf("%s address is %q, want %s", attachment.Segment, network.Address, want))
		}
	}
	for name := range networks {
		problems = append(problems, "unexpected network "+name)
	}
	slices.Sort(problems)
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func checkUser(want string, container Container) error {
	if container.User != want {
		return fmt.Errorf("runs as %q, want %q", container.User, want)
	}
	return nil
}

func checkPrivileges(container Container) error {
	var problems []string
	if container.Privileged {
		problems = append(problems, "privileged")
	}
	if !container.ReadOnlyRootfs {
		problems = append(problems, "root filesystem is writable")
	}
	if !slices.Contains(container.CapDrop, "ALL") {
		problems = append(problems, fmt.Sprintf("cap_drop is %v, want ALL", container.CapDrop))
	}
	if len(container.CapAdd) > 0 {
		problems = append(problems, fmt.Sprintf("cap_add is %v", container.CapAdd))
	}
	if !slices.Contains(container.SecurityOpt, sandbox.NoNewPrivileges) &&
		!slices.Contains(container.SecurityOpt, "no-new-privileges") {
		problems = append(problems, "no-new-privileges not set")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func checkLimits(policy sandbox.HardeningPolicy, container Container) error {
	var problems []string
	if container.MemoryBytes <= 0 || container.MemoryBytes > policy.MemoryBytes {
		problems = append(problems, fmt.Sprintf("memory limit %s, want at most %s",
			limitString(container.MemoryBytes), humanize.IBytes(uint64(policy.MemoryBytes))))
	}
	maxNanoCPUs := int64(policy.CPUs * 1e9)
	if container.NanoCPUs <= 0 || container.NanoCPUs > maxNanoCPUs {
		problems = append(problems, fmt.Sprintf("cpu limit %.2f, want at most %.2f",
			float64(container.NanoCPUs)/1e9, policy.CPUs))
	}
	if container.PidsLimit <= 0 || container.PidsLimit > policy.PidsLimit {
		problems = append(problems, fmt.Sprintf("pids limit %d, want at most %d", container.PidsLimit, policy.PidsLimit))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// hasSizeCap reports whether tmpfs options such as
// "size=536870912,mode=1777" set a non-zero size.
func hasSizeCap(options string) bool {
	for _, option := range strings.Split(options, ",") {
		if size, found := strings.CutPrefix(strings.TrimSpace(option), "size="); found {
			return size != "" && strings.TrimLeft(size, "0") != ""
		}
	}
	return false
}

func limitString(bytes int64) string {
	if bytes <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytes))
}

// checkMounts allows size-capped tmpfs and exactly one host-backed
// mount: the read-write workspace at its declared target.
func checkMounts(policy sandbox.HardeningPolicy, container Container) error {
	var problems []string
	workspaceSeen := false
	for _, mount := range container.Mounts {
		if mount.Type == sandbox.MountTmpfs {
			continue
		}
		if mount.Type == sandbox.MountBind &&
			mount.Destination == policy.WorkspaceTarget &&
			mount.Source == policy.WorkspaceSource {
			workspaceSeen = true
			if !mount.ReadWrite {
				problems = append(problems, "workspace "+mount.Destination+" is read-only")
			}
			continue
		}
		problems = append(problems, fmt.Sprintf("%s mount %s at %s", mount.Type, mount.Source, mount.Destination))
	}
	if policy.WorkspaceSource != "" && !workspaceSeen {
		problems = append(problems, "workspace "+policy.WorkspaceSource+" not mounted at "+policy.WorkspaceTarget)
	}
	for _, target := range slices.Sorted(maps.Keys(container.Tmpfs)) {
		if !hasSizeCap(container.Tmpfs[target]) {
			problems = append(problems, "tmpfs "+target+" has no size cap")
		}
	}
	for _, tmpfs := range policy.Tmpfs {
		if _, ok := container.Tmpfs[tmpfs.Path]; !ok {
			problems = append(problems, "tmpfs "+tmpfs.Path+" not mounted")
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func checkResolvers(service stack.Service, container Container) error {
	want := make([]string, 0, len(service.DNS))
	for _, resolver := range service.DNS {
		want = append(want, resolver.String())
	}
	if !slices.Equal(container.DNS, want) {
		return fmt.Errorf("resolvers are %v, want %v", container.DNS, want)
	}
	return nil
}
