// Package gpuprobe enumerates GPUs, their memory, and the PIDs
// currently holding them, behind a short-TTL cache (spec §4.2).
package gpuprobe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/nexusgpu/nexus/internal/models"
)

// backend is the thing Probe caches in front of: either a real
// nvidia-smi shellout or the MOCK_GPUS synthetic generator.
type backend interface {
	query(ctx context.Context) ([]models.GPUInfo, error)
}

// Probe is a TTL-cached view over a backend, guarded by a
// single-writer mutex the way the source describes ("timestamp+value
// pair guarded by a single-writer lock; readers consult the timestamp
// and refresh on expiry", spec §9).
type Probe struct {
	backend backend
	ttl     time.Duration

	mu        sync.Mutex
	snapshot  []models.GPUInfo
	fetchedAt time.Time
}

// New selects a backend: the mock generator if MOCK_GPUS is set in
// the environment, otherwise the real nvidia-smi shellout.
func New(ttl time.Duration) *Probe {
	if n := os.Getenv("MOCK_GPUS"); n != "" {
		count, err := strconv.Atoi(n)
		if err == nil && count > 0 {
			logging.Log.WithField("count", count).Info("gpuprobe: using mock backend")
			return &Probe{backend: &mockBackend{count: count}, ttl: ttl}
		}
	}
	return &Probe{backend: &nvidiaSMIBackend{}, ttl: ttl}
}

// NewMock builds a Probe directly on the synthetic backend, for
// tests that want deterministic GPUs without going through the
// MOCK_GPUS environment variable.
func NewMock(count int) *Probe {
	return &Probe{backend: &mockBackend{count: count}, ttl: time.Hour}
}

// List returns the cached GPU snapshot, refreshing it first if the
// TTL has expired or forceRefresh is set.
func (p *Probe) List(ctx context.Context, forceRefresh bool) ([]models.GPUInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !forceRefresh && time.Since(p.fetchedAt) < p.ttl && p.snapshot != nil {
		return p.snapshot, nil
	}

	gpus, err := p.backend.query(ctx)
	if err != nil {
		if p.snapshot != nil {
			logging.Log.WithError(err).Warn("gpuprobe: refresh failed, serving stale snapshot")
			return p.snapshot, nil
		}
		return nil, err
	}
	p.snapshot = gpus
	p.fetchedAt = time.Now()
	return p.snapshot, nil
}

// Available reports whether GPU index g may be assigned to a job with
// the given blacklist-override flag, per the three-part availability
// rule of spec §4.2.
func Available(g models.GPUInfo, blacklisted bool, ignoreBlacklist bool, busy map[int]bool) bool {
	if blacklisted && !ignoreBlacklist {
		return false
	}
	if busy[g.Index] {
		return false
	}
	return g.ProcessCount == 0
}

// --- nvidia-smi backend ---

type nvidiaSMIBackend struct{}

func (b *nvidiaSMIBackend) query(ctx context.Context) ([]models.GPUInfo, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query-gpu: %w", err)
	}

	gpus := map[int]*models.GPUInfo{}
	for _, line := range splitLines(out) {
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		memTotal, _ := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		memUsed, _ := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		gpus[idx] = &models.GPUInfo{
			Index:          idx,
			Name:           strings.TrimSpace(fields[1]),
			MemoryTotalMiB: memTotal,
			MemoryUsedMiB:  memUsed,
		}
	}

	apps, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-compute-apps=gpu_uuid,pid",
		"--format=csv,noheader",
	).Output()
	if err == nil {
		pidsByIndex, err := b.mapUUIDsToIndices(ctx)
		if err == nil {
			for _, line := range splitLines(apps) {
				fields := strings.Split(line, ",")
				if len(fields) < 2 {
					continue
				}
				uuid := strings.TrimSpace(fields[0])
				pid, err := strconv.Atoi(strings.TrimSpace(fields[1]))
				if err != nil {
					continue
				}
				idx, ok := pidsByIndex[uuid]
				if !ok {
					continue
				}
				if g, ok := gpus[idx]; ok {
					g.ProcessCount++
					g.ProcessPIDs = append(g.ProcessPIDs, int32(pid))
				}
			}
		}
	}

	out2 := make([]models.GPUInfo, 0, len(gpus))
	for _, g := range gpus {
		out2 = append(out2, *g)
	}
	return out2, nil
}

func (b *nvidiaSMIBackend) mapUUIDsToIndices(ctx context.Context) (map[string]int, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,uuid", "--format=csv,noheader",
	).Output()
	if err != nil {
		return nil, err
	}
	m := map[string]int{}
	for _, line := range splitLines(out) {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		m[strings.TrimSpace(fields[1])] = idx
	}
	return m, nil
}

func splitLines(out []byte) []string {
	var lines []string
	for _, l := range bytes.Split(out, []byte("\n")) {
		s := strings.TrimSpace(string(l))
		if s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

// --- mock backend ---

type mockBackend struct {
	count int
}

func (b *mockBackend) query(ctx context.Context) ([]models.GPUInfo, error) {
	gpus := make([]models.GPUInfo, b.count)
	for i := 0; i < b.count; i++ {
		gpus[i] = models.GPUInfo{
			Index:          i,
			Name:           "Mock GPU",
			MemoryTotalMiB: 24576,
			MemoryUsedMiB:  0,
			ProcessCount:   0,
		}
	}
	return gpus, nil
}
