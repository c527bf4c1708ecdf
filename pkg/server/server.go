package server

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cumulusbd/cumulus/pkg/blockmap"
	"github.com/cumulusbd/cumulus/pkg/blocktree"
	"github.com/cumulusbd/cumulus/pkg/events"
	"github.com/cumulusbd/cumulus/pkg/lock"
	"github.com/cumulusbd/cumulus/pkg/log"
	"github.com/cumulusbd/cumulus/pkg/metrics"
	"github.com/cumulusbd/cumulus/pkg/nbd"
	"github.com/cumulusbd/cumulus/pkg/stats"
	"github.com/cumulusbd/cumulus/pkg/store"
	"github.com/cumulusbd/cumulus/pkg/volume"
)

// Defaults for serving, overridable by flags or the settings file.
const (
	DefaultPort      = 7323
	DefaultMaxCache  = 1 << 24
	DefaultWriters   = 10
	DefaultReadAhead = 3
)

// Options configures one serving session.
type Options struct {
	Backend    string
	StoreCfg   store.Config
	Passphrase string

	Bind string
	Port int

	// MaxCache is the cache budget in bytes.
	MaxCache  uint64
	Writers   int
	ReadAhead int

	// SizeOverride reports a different size to the client than the
	// config records; zero uses the config size.
	SizeOverride uint64

	// MetricsAddr, when set, serves Prometheus metrics.
	MetricsAddr string
}

func (o *Options) withDefaults() {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.MaxCache == 0 {
		o.MaxCache = DefaultMaxCache
	}
	if o.Writers == 0 {
		o.Writers = DefaultWriters
	}
	if o.ReadAhead == 0 {
		o.ReadAhead = DefaultReadAhead
	}
}

// Server drives one volume's NBD session: lock, open, serve, flush,
// close.
type Server struct {
	opts      Options
	sessionID string
	lg        zerolog.Logger

	vol    *volume.Volume
	mapper *blockmap.Mapper
	nbdSrv *nbd.Server
	broker *events.Broker

	statusMu sync.Mutex
	status   string
}

// New creates a server for the given options.
func New(opts Options) *Server {
	opts.withDefaults()
	sessionID := uuid.NewString()
	lg := log.WithVolume(opts.Backend, opts.StoreCfg.Bucket+"/"+opts.StoreCfg.Volume).
		With().Str("session_id", sessionID).Logger()
	return &Server{
		opts:      opts,
		sessionID: sessionID,
		lg:        lg,
		status:    "open",
	}
}

func (s *Server) setStatus(status string) {
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
}

func (s *Server) getStatus() string {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Run opens the volume and serves until the client disconnects or the
// process is interrupted. The dirty cache is always drained before Run
// returns.
func (s *Server) Run() error {
	id := lock.ID{
		Backend: s.opts.Backend,
		Bucket:  s.opts.StoreCfg.Bucket,
		Volume:  s.opts.StoreCfg.Volume,
	}
	volLock, err := lock.Acquire(id)
	if err != nil {
		return err
	}
	defer volLock.Release()

	st, err := store.Open(s.opts.Backend, s.opts.StoreCfg)
	if err != nil {
		return err
	}
	if err := st.CheckAccess(); err != nil {
		return err
	}

	s.broker = events.NewBroker()
	s.broker.Start()
	defer s.broker.Stop()
	go s.logEvents()

	vol, err := volume.Open(st, s.opts.Passphrase, blocktree.Options{
		Writers:   s.opts.Writers,
		ReadAhead: s.opts.ReadAhead,
		OnWorkerError: func(err error) {
			s.broker.Publish(&events.Event{
				Type:    events.EventWorkerFailed,
				Message: err.Error(),
			})
		},
	})
	if err != nil {
		return err
	}
	s.vol = vol

	vol.Tree.CalibrateCache(s.opts.MaxCache, vol.Config.BS)

	mapper, err := blockmap.New(vol.Tree, vol.Config.BS)
	if err != nil {
		return err
	}
	s.mapper = mapper

	size := vol.Config.Size
	if s.opts.SizeOverride > 0 {
		size = s.opts.SizeOverride
	}

	s.nbdSrv = nbd.NewServer(s.opts.Bind, s.opts.Port, size, &device{srv: s})
	s.nbdSrv.OnClose = func() {
		s.broker.Publish(&events.Event{Type: events.EventClientDisconnect})
	}

	reporter := stats.NewReporter(lock.StatPath(id), s.statSnapshot)
	if err := reporter.Start(); err != nil {
		s.lg.Warn().Err(err).Msg("stat reporter unavailable")
	} else {
		defer reporter.Stop()
	}

	if s.opts.MetricsAddr != "" {
		go func() {
			if err := metrics.StartMetricsServer(s.opts.MetricsAddr); err != nil {
				s.lg.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}
	stopCollect := make(chan struct{})
	defer close(stopCollect)
	go s.collectMetrics(stopCollect)

	// SIGINT is cooperative: stop taking commands, then flush and join.
	// SIGTERM kills the session, discarding the cache.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGTERM {
				s.lg.Error().Msg("killed - cache discarded")
				volLock.Release()
				os.Exit(1)
			}
			s.broker.Publish(&events.Event{Type: events.EventInterrupted})
			s.nbdSrv.Interrupt()
		}
	}()

	vol.Tree.Start()
	s.broker.Publish(&events.Event{
		Type:     events.EventVolumeOpened,
		Metadata: map[string]string{"session_id": s.sessionID},
	})
	s.lg.Info().
		Str("session_id", s.sessionID).
		Uint64("size", size).
		Uint64("bs", vol.Config.BS).
		Int("port", s.opts.Port).
		Msg("serving volume")

	err = s.nbdSrv.ListenAndServe()
	if err != nil && !errors.Is(err, nbd.ErrInterrupted) {
		s.lg.Error().Err(err).Msg("nbd server failed")
	}

	s.setStatus("closing")
	s.broker.Publish(&events.Event{Type: events.EventVolumeClosing})
	s.lg.Info().Msg("committing cache before closing")
	vol.Tree.Close()
	s.broker.Publish(&events.Event{Type: events.EventVolumeClosed})

	if err != nil && !errors.Is(err, nbd.ErrInterrupted) {
		return err
	}
	return nil
}

func (s *Server) logEvents() {
	sub := s.broker.Subscribe()
	for ev := range sub {
		s.lg.Debug().Str("event", string(ev.Type)).Str("msg", ev.Message).Msg("event")
	}
}

func (s *Server) statSnapshot() map[string]string {
	tree := s.vol.Tree.Snapshot()
	cmds := s.nbdSrv.GetStats()
	bs := s.vol.Config.BS
	return map[string]string{
		"nbd-reads":    strconv.FormatUint(cmds.Reads, 10),
		"nbd-writes":   strconv.FormatUint(cmds.Writes, 10),
		"nbd-flushes":  strconv.FormatUint(cmds.Flushes, 10),
		"nbd-trims":    strconv.FormatUint(cmds.Trims, 10),
		"cache-used":   stats.SizeToHuman(uint64(tree.CacheSize) * bs),
		"cache-dirty":  stats.SizeToHuman(uint64(tree.QueueSize) * bs),
		"cache-limit":  stats.SizeToHuman(s.opts.MaxCache),
		"deleted-reqs": strconv.FormatUint(tree.DeletedCount, 10),
		"sent-reqs":    strconv.FormatUint(tree.SentCount, 10),
		"recv-reqs":    strconv.FormatUint(tree.RecvCount, 10),
		"sent-data":    stats.SizeToHuman(tree.DataSent),
		"recv-data":    stats.SizeToHuman(tree.DataRecv),
		"sent-actual":  stats.SizeToHuman(tree.WireSent),
		"recv-actual":  stats.SizeToHuman(tree.WireRecv),
		"status":       s.getStatus(),
		"socket":       fmt.Sprintf("%s:%d", s.opts.Bind, s.opts.Port),
	}
}

func (s *Server) collectMetrics(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		tree := s.vol.Tree.Snapshot()
		cmds := s.nbdSrv.GetStats()
		metrics.CommandsServed.WithLabelValues("read").Set(float64(cmds.Reads))
		metrics.CommandsServed.WithLabelValues("write").Set(float64(cmds.Writes))
		metrics.CommandsServed.WithLabelValues("flush").Set(float64(cmds.Flushes))
		metrics.CommandsServed.WithLabelValues("trim").Set(float64(cmds.Trims))
		metrics.TransferBytes.WithLabelValues("sent", "data").Set(float64(tree.DataSent))
		metrics.TransferBytes.WithLabelValues("sent", "wire").Set(float64(tree.WireSent))
		metrics.TransferBytes.WithLabelValues("recv", "data").Set(float64(tree.DataRecv))
		metrics.TransferBytes.WithLabelValues("recv", "wire").Set(float64(tree.WireRecv))
		metrics.TransferRequests.WithLabelValues("sent").Set(float64(tree.SentCount))
		metrics.TransferRequests.WithLabelValues("recv").Set(float64(tree.RecvCount))
		metrics.ObjectsDeleted.Set(float64(tree.DeletedCount))
		metrics.CacheEntries.Set(float64(tree.CacheSize))
		metrics.DirtyQueueDepth.Set(float64(tree.QueueSize))
	}
}

// device adapts the mapper to the NBD Device interface and tracks the
// flushing status for the stat table.
type device struct {
	srv *Server
}

func (d *device) ReadAt(off uint64, length uint32) ([]byte, error) {
	return d.srv.mapper.Read(off, length)
}

func (d *device) WriteAt(off uint64, data []byte) error {
	return d.srv.mapper.Write(off, data)
}

func (d *device) Trim(off uint64, length uint32) error {
	return d.srv.mapper.Trim(off, length)
}

func (d *device) Flush() error {
	saved := d.srv.getStatus()
	d.srv.setStatus(saved + " (flushing)")
	err := d.srv.mapper.Flush()
	d.srv.setStatus(saved)
	d.srv.broker.Publish(&events.Event{Type: events.EventVolumeFlushed})
	return err
}
