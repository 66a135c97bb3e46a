package launch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"aflrunner/internal/types"
	"aflrunner/pkg/watchdog"

	"go.uber.org/zap"
)

// Handler supervises a launched campaign.
type Handler struct {
	campaignID string
	outputDir  string
	instances  []*Instance
	primary    *Instance

	crashChan     chan types.CrashMessage
	queueChan     chan types.QueueMessage
	crashWatchDog *watchdog.WatchDog
	queueWatchDog *watchdog.WatchDog
	interval      time.Duration

	logger *zap.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	results []Result
	done    chan struct{}
}

// ConsumeCrashes yields one message per new file in any worker's crashes/ dir.
// The channel is closed after every worker has exited.
func (h *Handler) ConsumeCrashes() <-chan types.CrashMessage {
	return h.crashChan
}

// ConsumeQueue yields the new queue entries of the primary worker.
func (h *Handler) ConsumeQueue() <-chan types.QueueMessage {
	return h.queueChan
}

func (h *Handler) Instances() []*Instance {
	return h.instances
}

// Alive counts the workers whose process is still running.
func (h *Handler) Alive() int {
	n := 0
	for _, inst := range h.instances {
		if inst.Alive() {
			n++
		}
	}
	return n
}

// Done is closed once every worker has exited.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until every worker has exited and returns their results by index.
func (h *Handler) Wait() []Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Result, len(h.results))
	copy(out, h.results)
	return out
}

func (h *Handler) record(res Result) {
	h.mu.Lock()
	h.results[res.Index] = res
	h.mu.Unlock()
}

// filterCrashFiles drops the README afl-fuzz places next to crashes
func filterCrashFiles(crashFileName string) bool {
	return filepath.Base(crashFileName) != "README.txt"
}

// filterQueueFiles drops the copies of the initial corpus
func filterQueueFiles(seedFileName string) bool {
	base := filepath.Base(seedFileName)
	return !strings.HasPrefix(base, ".") && !strings.Contains(base, "orig:")
}

// startCrashMonitor periodically looks for the crashes/ directory of every worker
// and hands each one to the crash watchdog, reporting the files already in it on
// scanned. Once every worker has exited it sweeps all crash directories a last
// time, so events still in flight when the watchdog stops are not lost.
func (h *Handler) startCrashMonitor(ctx context.Context, scanned chan<- string) {
	defer close(scanned)

	pending := make(map[string]struct{}, len(h.instances))
	for _, inst := range h.instances {
		pending[filepath.Join(h.outputDir, inst.Name, "crashes")] = struct{}{}
	}
	all := make([]string, 0, len(pending))
	for dir := range pending {
		all = append(all, dir)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			for _, dir := range all {
				if !sendExisting(ctx, dir, filterCrashFiles, scanned) {
					return
				}
			}
			return
		case <-ticker.C:
		}
		for dir := range pending {
			if _, err := os.Stat(dir); err != nil {
				continue
			}
			if err := h.crashWatchDog.AddDir(dir); err != nil {
				h.logger.Error("failed to watch crash folder", zap.String("crash_dir", dir), zap.Error(err))
				continue
			}
			delete(pending, dir)
			h.logger.Debug("added crash folder to watch dog", zap.String("crash_dir", dir))
			if !sendExisting(ctx, dir, filterCrashFiles, scanned) {
				return
			}
		}
	}
}

// startQueueMonitor waits for the primary worker's queue/ directory and watches it.
func (h *Handler) startQueueMonitor(ctx context.Context, scanned chan<- string) {
	defer close(scanned)
	queueFolder := filepath.Join(h.outputDir, h.primary.Name, "queue")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if _, err := os.Stat(queueFolder); err != nil {
				continue
			}
			if err := h.queueWatchDog.AddDir(queueFolder); err != nil {
				h.logger.Error("failed to watch queue folder", zap.String("queue_dir", queueFolder), zap.Error(err))
				return
			}
			h.logger.Debug("added queue folder to watch dog", zap.String("queue_dir", queueFolder))
			sendExisting(ctx, queueFolder, filterQueueFiles, scanned)
			return
		}
	}
}

// sendExisting reports the files already present in dir.
func sendExisting(ctx context.Context, dir string, filter watchdog.Filter, out chan<- string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() || !filter(p) {
			continue
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// merge fans several path channels into one that closes after all of them.
func merge(chans ...<-chan string) <-chan string {
	out := make(chan string, 1024)
	var wg sync.WaitGroup
	for _, c := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range c {
				out <- v
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// startLivenessMonitor logs how many workers are alive until all have exited.
func (h *Handler) startLivenessMonitor(onTick func(alive int)) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			alive := h.Alive()
			h.logger.Debug("campaign liveness", zap.Int("alive", alive), zap.Int("workers", len(h.instances)))
			if onTick != nil {
				onTick(alive)
			}
		}
	}
}

// crashProxy turns crash file paths into messages; paths seen twice (watch
// event plus initial scan) are reported once.
func (h *Handler) crashProxy(fileNotifyChan <-chan string) {
	defer close(h.crashChan)

	byName := make(map[string]*Instance, len(h.instances))
	for _, inst := range h.instances {
		byName[inst.Name] = inst
	}

	seen := make(map[string]struct{})
	for crashFile := range fileNotifyChan {
		if _, ok := seen[crashFile]; ok {
			continue
		}
		seen[crashFile] = struct{}{}

		// <output>/<worker>/crashes/<file>
		worker := filepath.Base(filepath.Dir(filepath.Dir(crashFile)))
		msg := types.CrashMessage{
			CrashFile:  crashFile,
			Worker:     worker,
			CampaignID: h.campaignID,
		}
		if inst, ok := byName[worker]; ok {
			msg.Target = inst.Invocation.TargetBinary
		}
		h.crashChan <- msg
	}
}

func (h *Handler) queueProxy(fileNotifyChan <-chan string) {
	defer close(h.queueChan)
	seen := make(map[string]struct{})
	for queueFile := range fileNotifyChan {
		if _, ok := seen[queueFile]; ok {
			continue
		}
		seen[queueFile] = struct{}{}
		h.queueChan <- types.QueueMessage{QueueFile: queueFile, CampaignID: h.campaignID}
	}
}
