// Package ingestion is the Facade external callers use to get a document
// into the graph: dedup -> chunk -> mask -> embed -> store -> enqueue
// extraction, one call per source document. Chunk node ids are derived
// deterministically from (content_hash, idempotency_key, chunk_index), so
// dedup needs no separate store: re-ingesting the same document simply finds
// its chunk nodes already live in the repository.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/alayasiki/alayasiki/internal/domain"
	"github.com/alayasiki/alayasiki/internal/jobs"
	"github.com/alayasiki/alayasiki/internal/repository"
	"github.com/alayasiki/alayasiki/pkg/embedclient"
)

const (
	// DefaultChunkWords is the target number of words per chunk.
	DefaultChunkWords = 200
	// DefaultOverlapWords is the overlap between consecutive chunks.
	DefaultOverlapWords = 20
)

// RawDocument is one source document submitted for ingestion.
type RawDocument struct {
	Source  string
	Content string
}

// PIIPolicy masks sensitive spans out of chunk text before a node is
// constructed. A nil policy is a no-op.
type PIIPolicy func(text string) string

// Chunker splits document content into chunk texts, in order.
type Chunker func(content string) []string

// DefaultChunker splits on sentence boundaries, then groups sentences into
// ~DefaultChunkWords-word windows with DefaultOverlapWords of overlap,
// falling back to the whole document as one chunk when it has no sentence
// punctuation at all.
func DefaultChunker(content string) []string {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []string{content}
	}
	return windowSentences(sentences, DefaultChunkWords, DefaultOverlapWords)
}

func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			atEnd := r == '\n' || i == len(runes)-1 || unicode.IsSpace(runes[i+1])
			if atEnd {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func windowSentences(sentences []string, chunkWords, overlapWords int) []string {
	var chunks []string
	start := 0
	for start < len(sentences) {
		var buf strings.Builder
		words := 0
		end := start
		for end < len(sentences) {
			w := len(strings.Fields(sentences[end]))
			if words+w > chunkWords && words > 0 {
				break
			}
			if buf.Len() > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(sentences[end])
			words += w
			end++
		}
		chunks = append(chunks, buf.String())

		newStart, overlap := end, 0
		for newStart > start && overlap < overlapWords {
			newStart--
			overlap += len(strings.Fields(sentences[newStart]))
		}
		if newStart == start {
			start = end
		} else {
			start = newStart
		}
	}
	return chunks
}

// Result is the outcome of one Ingest call.
type Result struct {
	ChunkIDs     []int64
	JobIDs       []string
	Deduplicated bool
}

// Options configures a Facade.
type Options struct {
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Facade is the ingestion entrypoint: inject a chunker and an embedder, wire
// it to a Repository and a job Queue.
type Facade struct {
	repo    *repository.Repository
	queue   *jobs.Queue
	embed   embedclient.Embedder
	chunker Chunker
	opts    Options

	mu   sync.Mutex
	seen map[string]Result // dedup key -> prior result, process-lifetime fast path
}

// New builds a Facade. chunker defaults to DefaultChunker if nil.
func New(repo *repository.Repository, queue *jobs.Queue, embed embedclient.Embedder, chunker Chunker, opts Options) *Facade {
	if chunker == nil {
		chunker = DefaultChunker
	}
	return &Facade{
		repo:    repo,
		queue:   queue,
		embed:   embed,
		chunker: chunker,
		opts:    opts.withDefaults(),
		seen:    make(map[string]Result),
	}
}

// dedupKey combines the document content hash with the caller-supplied
// idempotency key, the pair the spec names as the dedup identity.
func dedupKey(content, idempotencyKey string) string {
	h := xxhash.Sum64String(content)
	return fmt.Sprintf("%016x:%s", h, idempotencyKey)
}

// chunkNodeID derives a stable node id from the dedup key and chunk index,
// so re-ingesting the same (content, idempotency_key) always addresses the
// same chunk nodes.
func chunkNodeID(key string, index int) int64 {
	h := xxhash.Sum64String(fmt.Sprintf("chunk:%s:%d", key, index))
	return int64(h & 0x7fffffffffffffff)
}

// Ingest chunks doc, applies policy to each chunk's text, embeds and stores
// one node per chunk, and enqueues one extraction job per node when
// autoGraph is set. Re-ingesting an already-seen (content, idempotency_key)
// pair returns the prior result without doing any of that work again.
func (f *Facade) Ingest(ctx context.Context, doc RawDocument, autoGraph bool, idempotencyKey string, policy PIIPolicy) (Result, error) {
	key := dedupKey(doc.Content, idempotencyKey)

	f.mu.Lock()
	if prior, ok := f.seen[key]; ok {
		f.mu.Unlock()
		prior.Deduplicated = true
		return prior, nil
	}
	f.mu.Unlock()

	chunks := f.chunker(doc.Content)
	if len(chunks) == 0 {
		return Result{}, domain.NewCodedError("ingestion.Ingest", domain.ErrInvalidArgument, "content", "")
	}

	// Cross-crash dedup: if the first chunk's deterministic id is already a
	// live node, this document was ingested in a prior process lifetime.
	if n, ok := f.repo.Node(chunkNodeID(key, 0)); ok && !n.Tombstone {
		result := f.reconstructResult(key, len(chunks), autoGraph)
		f.cacheResult(key, result)
		result.Deduplicated = true
		return result, nil
	}

	if policy == nil {
		policy = func(s string) string { return s }
	}

	masked := make([]string, len(chunks))
	for i, c := range chunks {
		masked[i] = policy(c)
	}

	embeddings, err := f.embed.EmbedBatch(ctx, masked)
	if err != nil {
		return Result{}, fmt.Errorf("ingestion: embed batch: %w", err)
	}
	if len(embeddings) != len(masked) {
		return Result{}, fmt.Errorf("%w: ingestion: embedder returned %d vectors for %d chunks",
			domain.ErrInternal, len(embeddings), len(masked))
	}

	now := time.Now()
	chunkIDs := make([]int64, len(chunks))
	for i, text := range masked {
		id := chunkNodeID(key, i)
		chunkIDs[i] = id
		node := domain.Node{
			ID:        id,
			Embedding: embeddings[i],
			Metadata:  text,
			Provenance: domain.Provenance{
				Source: doc.Source,
				SpanLo: 0,
				SpanHi: len(text),
				At:     now,
			},
			Confidence: 1.0,
		}
		if err := f.repo.PutNode(node); err != nil {
			return Result{}, fmt.Errorf("ingestion: put chunk node %d: %w", i, err)
		}
	}

	var jobIDs []string
	if autoGraph && f.queue != nil {
		for i, id := range chunkIDs {
			job, err := f.queue.Enqueue(ctx, id, masked[i], "triplex-lite")
			if err != nil {
				f.opts.Logger.Warn("ingestion: extraction enqueue failed, chunk still queryable via vector search",
					"chunk_id", id, "error", err)
				continue
			}
			jobIDs = append(jobIDs, job.ID)
		}
	}

	result := Result{ChunkIDs: chunkIDs, JobIDs: jobIDs}
	f.cacheResult(key, result)
	return result, nil
}

func (f *Facade) cacheResult(key string, result Result) {
	f.mu.Lock()
	f.seen[key] = result
	f.mu.Unlock()
}

// reconstructResult rebuilds a Result for an already-ingested document from
// deterministic chunk ids alone. Job ids cannot be recovered across a crash
// (the queue's status map is in-memory only), so the reconstructed result
// carries no job ids; the chunk nodes themselves are already durable and
// queryable regardless.
func (f *Facade) reconstructResult(key string, chunkCount int, autoGraph bool) Result {
	ids := make([]int64, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		id := chunkNodeID(key, i)
		if _, ok := f.repo.Node(id); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return Result{ChunkIDs: ids}
}
