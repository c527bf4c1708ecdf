// Package stats publishes a volume's runtime counters through a named
// FIFO as a human-readable table, refreshed twice a second while a
// reader is attached.
package stats

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cumulusbd/cumulus/pkg/log"
)

// Interval between table refreshes.
const Interval = 500 * time.Millisecond

// SizeToHuman renders a byte count with a decimal unit.
func SizeToHuman(size uint64) string {
	switch {
	case size < 1100:
		return fmt.Sprintf("%d B", size)
	case size < 1100000:
		return fmt.Sprintf("%.1f KB", float64(size)/1e3)
	case size < 1100000000:
		return fmt.Sprintf("%.1f MB", float64(size)/1e6)
	case size < 1100000000000:
		return fmt.Sprintf("%.1f GB", float64(size)/1e9)
	case size < 1100000000000000:
		return fmt.Sprintf("%.1f TB", float64(size)/1e12)
	default:
		return fmt.Sprintf("%.1f PB", float64(size)/1e15)
	}
}

// FormatTable renders the key-padded table the FIFO serves.
func FormatTable(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	maxLen := 0
	for k := range kv {
		keys = append(keys, k)
		if len(k) > maxLen {
			maxLen = len(k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-*s   %s\n", maxLen, k, kv[k])
	}
	return b.String()
}

// Reporter owns a FIFO node and serves snapshots to whoever reads it.
type Reporter struct {
	path     string
	snapshot func() map[string]string
	stop     chan struct{}
	done     chan struct{}
	lg       zerolog.Logger
}

// NewReporter creates a reporter writing to the FIFO at path. snapshot
// is sampled for every refresh.
func NewReporter(path string, snapshot func() map[string]string) *Reporter {
	return &Reporter{
		path:     path,
		snapshot: snapshot,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		lg:       log.WithComponent("stats"),
	}
}

// Start creates the FIFO node and begins serving.
func (r *Reporter) Start() error {
	os.Remove(r.path)
	if err := syscall.Mkfifo(r.path, 0644); err != nil {
		return fmt.Errorf("failed to create stat fifo: %w", err)
	}
	go r.run()
	return nil
}

// Stop ends serving and removes the FIFO node.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
	os.Remove(r.path)
}

func (r *Reporter) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-time.After(Interval):
		}
		// Non-blocking open: with no reader attached there is nobody to
		// serve, try again next tick.
		f, err := os.OpenFile(r.path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			continue
		}
		if _, err := f.WriteString(FormatTable(r.snapshot())); err != nil {
			r.lg.Debug().Err(err).Msg("stat write failed")
		}
		f.Close()
	}
}

// ReadTable reads one table from a volume's FIFO, for the stat command.
func ReadTable(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
