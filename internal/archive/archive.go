// Package archive tracks which ids of each data stream a peer has announced.
//
// An Archive is attached to connections as an auxiliary observer: it watches DataRange
// packets without owning the connection's protocol stage.
package archive

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/protocol"
)

const snapshotVersion = 1

// Range is an inclusive id range.
type Range struct {
	From uint64 `msgpack:"f"`
	To   uint64 `msgpack:"t"`
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d]", r.From, r.To) }

type snapshot struct {
	Version int                `msgpack:"v"`
	Streams map[string][]Range `msgpack:"s"`
}

// Archive is safe for concurrent use. Ranges of a stream are kept sorted and merged, so
// overlapping or adjacent announcements collapse into one range.
type Archive struct {
	mu      sync.RWMutex
	streams map[string][]Range
	logger  *slog.Logger
}

var _ streamnet.Observer = (*Archive)(nil)

func New(logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{streams: make(map[string][]Range), logger: logger}
}

// Observe records DataRange packets and ignores everything else.
func (a *Archive) Observe(c streamnet.Conn, p protocol.Packet) {
	dr, ok := p.(*protocol.DataRange)
	if !ok {
		return
	}
	if dr.From > dr.To {
		a.logger.Warn("inverted data range", slog.String("conn", c.ID()), slog.String("stream", dr.Stream),
			slog.Uint64("from", dr.From), slog.Uint64("to", dr.To))
		return
	}
	a.Add(dr.Stream, Range{From: dr.From, To: dr.To})
}

// Add merges r into stream.
func (a *Archive) Add(stream string, r Range) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams[stream] = merge(append(a.streams[stream], r))
}

func merge(ranges []Range) []Range {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })

	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && touches(out[n-1], r) {
			if r.To > out[n-1].To {
				out[n-1].To = r.To
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// touches reports whether b, which starts no earlier than a, overlaps or directly follows a.
func touches(a, b Range) bool {
	return a.To == math.MaxUint64 || b.From <= a.To+1
}

// Ranges returns a copy of the merged ranges of stream.
func (a *Archive) Ranges(stream string) []Range {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Range(nil), a.streams[stream]...)
}

// Streams returns the known stream names in order.
func (a *Archive) Streams() []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.streams))
	for name := range a.streams {
		names = append(names, name)
	}
	a.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Contains reports whether id of stream was announced.
func (a *Archive) Contains(stream string, id uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ranges := a.streams[stream]
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].To >= id })
	return i < len(ranges) && ranges[i].From <= id
}

// Missing returns the sub-ranges of want that were never announced for stream.
func (a *Archive) Missing(stream string, want Range) []Range {
	var gaps []Range
	next := want.From
	for _, r := range a.Ranges(stream) {
		if r.To < next {
			continue
		}
		if r.From > want.To {
			break
		}
		if r.From > next {
			gaps = append(gaps, Range{From: next, To: r.From - 1})
		}
		if r.To >= want.To {
			return gaps
		}
		next = r.To + 1
	}
	return append(gaps, Range{From: next, To: want.To})
}

// Announce sends every known range to c as DataRange packets.
func (a *Archive) Announce(c streamnet.Conn) error {
	for _, stream := range a.Streams() {
		for _, r := range a.Ranges(stream) {
			if err := c.SendPacket(&protocol.DataRange{Stream: stream, From: r.From, To: r.To}); err != nil {
				return fmt.Errorf("announce %s %s: %w", stream, r, err)
			}
		}
	}
	return nil
}

// Save writes a msgpack snapshot of the archive.
func (a *Archive) Save(w io.Writer) error {
	a.mu.RLock()
	snap := snapshot{Version: snapshotVersion, Streams: make(map[string][]Range, len(a.streams))}
	for name, ranges := range a.streams {
		snap.Streams[name] = append([]Range(nil), ranges...)
	}
	a.mu.RUnlock()

	return msgpack.NewEncoder(w).Encode(&snap)
}

// Load reads a snapshot written by Save.
func Load(r io.Reader, logger *slog.Logger) (*Archive, error) {
	var snap snapshot
	if err := msgpack.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported archive version %d", snap.Version)
	}

	a := New(logger)
	for name, ranges := range snap.Streams {
		a.streams[name] = merge(ranges)
	}
	return a, nil
}

// SaveFile replaces path atomically.
func (a *Archive) SaveFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := a.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile loads path, returning an empty archive when it does not exist.
func LoadFile(path string, logger *slog.Logger) (*Archive, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(logger), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, logger)
}
