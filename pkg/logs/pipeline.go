package logs

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/objstore"
	"github.com/cuemby/foundry/pkg/wire"
)

var bucketIndex = []byte("log_index")

// ansiEscape matches CSI sequences and OSC sequences (title setting etc).
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// jobIndex is the per-job spool record. Keeping it durable means gap
// detection survives a process restart mid-stream.
type jobIndex struct {
	NextSeq  uint64 `json:"next_seq"`
	Complete bool   `json:"complete"`
}

// Pipeline writes job log chunks to append-only spool files in strict seq
// order, keeps an in-memory tail ring per job for live viewers, and serves
// fetch reads from spool or archive.
type Pipeline struct {
	dir       string
	tailLines int
	index     *bolt.DB
	logger    zerolog.Logger

	mu    sync.Mutex
	tails map[int64][]string
}

// NewPipeline opens the spool directory and its index.
func NewPipeline(dir string, tailLines int) (*Pipeline, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	index, err := bolt.Open(filepath.Join(dir, "index.db"), 0600,
		&bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open log index: %w", err)
	}
	err = index.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		index.Close()
		return nil, err
	}
	if tailLines <= 0 {
		tailLines = 1000
	}
	return &Pipeline{
		dir:       dir,
		tailLines: tailLines,
		index:     index,
		logger:    log.WithComponent("logs"),
		tails:     make(map[int64][]string),
	}, nil
}

// Close closes the spool index.
func (p *Pipeline) Close() error { return p.index.Close() }

func jobKey(jobID int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(jobID))
	return b
}

func (p *Pipeline) spoolPath(jobID int64) string {
	return filepath.Join(p.dir, fmt.Sprintf("%d.log", jobID))
}

func (p *Pipeline) getIndex(jobID int64) (jobIndex, error) {
	idx := jobIndex{NextSeq: 1}
	err := p.index.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIndex).Get(jobKey(jobID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &idx)
	})
	return idx, err
}

func (p *Pipeline) putIndex(jobID int64, idx jobIndex) error {
	return p.index.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(idx)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put(jobKey(jobID), data)
	})
}

// Ingest applies one chunk. A chunk whose seq is not the expected next value
// is dropped and counted as a gap; chunks are never reordered.
func (p *Pipeline) Ingest(chunk *wire.LogChunk) error {
	idx, err := p.getIndex(chunk.JobID)
	if err != nil {
		return err
	}
	if chunk.Seq != idx.NextSeq {
		metrics.LogGapsTotal.Inc()
		p.logger.Warn().
			Int64("job_id", chunk.JobID).
			Uint64("seq", chunk.Seq).
			Uint64("expected", idx.NextSeq).
			Msg("dropping out-of-order log chunk")
		return nil
	}

	f, err := os.OpenFile(p.spoolPath(chunk.JobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open spool file: %w", err)
	}
	if _, err := f.Write(chunk.Content); err != nil {
		f.Close()
		return fmt.Errorf("failed to append chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	idx.NextSeq = chunk.Seq + 1
	if err := p.putIndex(chunk.JobID, idx); err != nil {
		return err
	}

	p.appendTail(chunk.JobID, chunk.Content)
	metrics.LogChunksTotal.Inc()
	return nil
}

// Complete marks a job's log stream finished.
func (p *Pipeline) Complete(jobID int64) error {
	idx, err := p.getIndex(jobID)
	if err != nil {
		return err
	}
	idx.Complete = true
	return p.putIndex(jobID, idx)
}

// IsComplete reports whether the stream has been closed by the worker.
func (p *Pipeline) IsComplete(jobID int64) (bool, error) {
	idx, err := p.getIndex(jobID)
	if err != nil {
		return false, err
	}
	return idx.Complete, nil
}

func (p *Pipeline) appendTail(jobID int64, content []byte) {
	lines := splitLines(string(content))
	if len(lines) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tail := append(p.tails[jobID], lines...)
	if len(tail) > p.tailLines {
		tail = tail[len(tail)-p.tailLines:]
	}
	p.tails[jobID] = tail
}

// Tail returns the last lines held in memory for a running job.
func (p *Pipeline) Tail(jobID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	tail := p.tails[jobID]
	out := make([]string, len(tail))
	copy(out, tail)
	return out
}

// Fetched is one page of a job's log.
type Fetched struct {
	Content    []string `json:"content"`
	Start      int64    `json:"start"`
	Stop       int64    `json:"stop"`
	IsComplete bool     `json:"is_complete"`
}

// Fetch reads the spooled log from line offset start. Section marker lines
// (builder_log::... / builder_log_section::...) pass through verbatim.
func (p *Pipeline) Fetch(jobID int64, start int64, stripANSI bool) (*Fetched, error) {
	data, err := os.ReadFile(p.spoolPath(jobID))
	if os.IsNotExist(err) {
		return nil, errs.NotFound("no log for job %d", jobID)
	}
	if err != nil {
		return nil, err
	}
	complete, err := p.IsComplete(jobID)
	if err != nil {
		return nil, err
	}
	return page(data, start, stripANSI, complete), nil
}

// FetchArchived serves a log that has been uploaded to the object store and
// pruned locally.
func (p *Pipeline) FetchArchived(ctx context.Context, store objstore.Store, jobID int64, start int64, stripANSI bool) (*Fetched, error) {
	r, err := store.Get(ctx, objstore.LogKey(jobID))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return page(data, start, stripANSI, true), nil
}

// Prune drops a job's spool file, index entry, and tail buffer after the
// log has been archived.
func (p *Pipeline) Prune(jobID int64) error {
	if err := os.Remove(p.spoolPath(jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	err := p.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Delete(jobKey(jobID))
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.tails, jobID)
	p.mu.Unlock()
	return nil
}

func page(data []byte, start int64, stripANSI bool, complete bool) *Fetched {
	lines := splitLines(string(data))
	if start < 0 {
		start = 0
	}
	if start > int64(len(lines)) {
		start = int64(len(lines))
	}
	out := lines[start:]
	if stripANSI {
		stripped := make([]string, len(out))
		for i, line := range out {
			stripped[i] = ansiEscape.ReplaceAllString(line, "")
		}
		out = stripped
	}
	return &Fetched{
		Content:    out,
		Start:      start,
		Stop:       start + int64(len(out)),
		IsComplete: complete,
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
