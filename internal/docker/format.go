package docker

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/web-casa/dockwatch/internal/model"
)

// Compose labels set by docker compose on every service container.
const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
)

const (
	standaloneProject = "Standalone Containers"
	unknownService    = "unknown"
)

// MapEventToState converts a Docker event action to a dashboard state.
// Actions without a mapping are returned unchanged.
func MapEventToState(action string) string {
	switch action {
	case "start", "unpause", "restart":
		return model.StateRunning
	case "die", "stop", "kill":
		return model.StateStopped
	case "pause":
		return model.StatePaused
	case "create":
		return model.StateCreated
	case "destroy":
		return model.StateDeleted
	default:
		return action
	}
}

// IsKnownEvent reports whether action has an entry in MapEventToState.
func IsKnownEvent(action string) bool {
	return MapEventToState(action) != action
}

// NormalizeState maps a daemon container state to a dashboard state.
func NormalizeState(state string) string {
	s := strings.ToLower(state)
	switch s {
	case "exited", "dead":
		return model.StateStopped
	case "removing":
		return model.StateDeleted
	default:
		return s
	}
}

// FormatComposeProject renders the compose labels for display. Containers
// outside a compose project are grouped under "Standalone Containers".
func FormatComposeProject(labels map[string]string) (project, service string) {
	name, ok := labels[labelComposeProject]
	if !ok || name == "" {
		return standaloneProject, unknownService
	}
	service = labels[labelComposeService]
	if service == "" {
		service = unknownService
	}
	return "Docker Compose: " + titleWords(name), service
}

func titleWords(s string) string {
	words := strings.Fields(strings.NewReplacer("-", " ", "_", " ").Replace(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// FormatPorts renders port bindings as "8080->80/tcp, 443/tcp". Bindings
// repeated for IPv4 and IPv6 appear once.
func FormatPorts(ports []types.Port) string {
	if len(ports) == 0 {
		return ""
	}
	sorted := make([]types.Port, len(ports))
	copy(sorted, ports)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PrivatePort != sorted[j].PrivatePort {
			return sorted[i].PrivatePort < sorted[j].PrivatePort
		}
		return sorted[i].PublicPort < sorted[j].PublicPort
	})

	seen := make(map[string]bool, len(sorted))
	out := make([]string, 0, len(sorted))
	for _, p := range sorted {
		var s string
		if p.PublicPort > 0 {
			s = fmt.Sprintf("%d->%d/%s", p.PublicPort, p.PrivatePort, p.Type)
		} else {
			s = fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return strings.Join(out, ", ")
}

// bytesToMB converts a byte count to megabytes rounded to two decimals.
func bytesToMB(b int64) float64 {
	mb := float64(b) / 1024 / 1024
	return float64(int64(mb*100+0.5)) / 100
}

// ShortID trims a sha256-prefixed id to the 12 characters docker shows.
func ShortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ComputeStats converts a raw daemon sample to a StatsSample.
func ComputeStats(s *types.StatsJSON) model.StatsSample {
	sample := model.StatsSample{
		CPUPercent: calculateCPUPercent(s),
		Timestamp:  s.Read,
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	usage := s.MemoryStats.Usage
	// cgroup v1 reports page cache inside usage; cgroup v2 uses inactive_file.
	if cache, ok := s.MemoryStats.Stats["cache"]; ok && cache < usage {
		usage -= cache
	} else if inactive, ok := s.MemoryStats.Stats["inactive_file"]; ok && inactive < usage {
		usage -= inactive
	}
	sample.Memory.Usage = usage
	sample.Memory.Limit = s.MemoryStats.Limit
	if s.MemoryStats.Limit > 0 {
		sample.Memory.Percent = float64(usage) / float64(s.MemoryStats.Limit) * 100.0
	}

	for _, n := range s.Networks {
		sample.Network.RX += n.RxBytes
		sample.Network.TX += n.TxBytes
	}

	for _, bio := range s.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(bio.Op) {
		case "read":
			sample.DiskIO.Read += bio.Value
		case "write":
			sample.DiskIO.Write += bio.Value
		}
	}
	return sample
}

func calculateCPUPercent(s *types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100.0
}
