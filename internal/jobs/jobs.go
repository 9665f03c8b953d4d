// Package jobs is the lazy graph-construction background worker system: a
// bounded queue of extraction jobs carrying pinned model_id/snapshot_id,
// drained by N cooperative workers. Extraction failure is non-fatal to
// ingestion; it only marks the job failed after its retry budget is spent.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/alayasiki/alayasiki/internal/domain"
	"github.com/alayasiki/alayasiki/internal/modelregistry"
	"github.com/alayasiki/alayasiki/internal/repository"
	"github.com/alayasiki/alayasiki/internal/snapshot"
	"github.com/alayasiki/alayasiki/pkg/extractnlp"
	"github.com/alayasiki/alayasiki/pkg/fn"
	"github.com/alayasiki/alayasiki/pkg/natsutil"
	"github.com/alayasiki/alayasiki/pkg/resilience"
)

// ErrQueueFull is returned by Enqueue when the queue is full and the
// configured backpressure mode is Reject rather than Block.
var ErrQueueFull = fmt.Errorf("%w: job queue full", domain.ErrResourceExhausted)

// Backpressure selects what Enqueue does when the queue is at capacity.
type Backpressure int

const (
	// Block makes Enqueue wait for room (or ctx cancellation).
	Block Backpressure = iota
	// Reject makes Enqueue return ErrQueueFull immediately.
	Reject
)

// Options configures a Queue.
type Options struct {
	Depth          int
	Workers        int
	MaxRetries     int
	Backpressure   Backpressure
	DispatchRate   rate.Limit // tokens/sec; 0 disables rate limiting
	DispatchBurst  int
	BreakerOpts    resilience.BreakerOpts
	Logger         *slog.Logger
	NATSConn       *nats.Conn // optional; nil disables lifecycle event publishing
}

func (o Options) withDefaults() Options {
	if o.Depth <= 0 {
		o.Depth = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Queue is the bounded job channel plus its worker pool.
type Queue struct {
	opts      Options
	jobs      chan domain.Job
	repo      *repository.Repository
	registry  *modelregistry.Registry
	extractor extractnlp.Extractor
	breaker   *resilience.Breaker
	limiter   *rate.Limiter

	statusMu sync.Mutex
	status   map[string]domain.Job
}

// New builds a Queue that will apply extraction results to repo, resolving
// model refs through registry and calling extractor for each job.
func New(repo *repository.Repository, registry *modelregistry.Registry, extractor extractnlp.Extractor, opts Options) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		opts:      opts,
		jobs:      make(chan domain.Job, opts.Depth),
		repo:      repo,
		registry:  registry,
		extractor: extractor,
		breaker:   resilience.NewBreaker(opts.BreakerOpts),
		status:    make(map[string]domain.Job),
	}
	if opts.DispatchRate > 0 {
		burst := opts.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(opts.DispatchRate, burst)
	}
	return q
}

// jobID derives a deterministic id from (nodeID, modelRef, snapshotID) so
// re-enqueueing the same extraction after a crash is idempotent, the same
// trick the teacher uses for point ids via uuid.NewSHA1.
func jobID(nodeID int64, modelRef, snapshotID string) string {
	name := fmt.Sprintf("%d:%s:%s", nodeID, modelRef, snapshotID)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Enqueue resolves modelRef and the repository's current LSN into a pinned
// job for nodeID/text, and submits it per the configured backpressure mode.
func (q *Queue) Enqueue(ctx context.Context, nodeID int64, text, modelRef string) (domain.Job, error) {
	name, version, _, err := q.registry.Resolve(modelRef)
	if err != nil {
		return domain.Job{}, err
	}
	pinnedModel := name + "@" + version
	snapshotID := snapshot.ID(q.repo.LastLSN())

	job := domain.Job{
		ID:         jobID(nodeID, pinnedModel, snapshotID),
		NodeID:     nodeID,
		Text:       text,
		ModelID:    pinnedModel,
		SnapshotID: snapshotID,
		Status:     domain.JobQueued,
	}

	switch q.opts.Backpressure {
	case Reject:
		select {
		case q.jobs <- job:
		default:
			return domain.Job{}, ErrQueueFull
		}
	default:
		select {
		case q.jobs <- job:
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		}
	}

	q.setStatus(job)
	q.publish(ctx, "jobs.queued", job)
	return job, nil
}

func (q *Queue) setStatus(job domain.Job) {
	q.statusMu.Lock()
	q.status[job.ID] = job
	q.statusMu.Unlock()
}

// Status returns the last known status of jobID, if any job with that id has
// been enqueued on this Queue.
func (q *Queue) Status(jobID string) (domain.Job, bool) {
	q.statusMu.Lock()
	defer q.statusMu.Unlock()
	j, ok := q.status[jobID]
	return j, ok
}

// publish best-effort publishes a jobs.<status> lifecycle event; a NATS
// outage never fails the caller's ingest or job processing path.
func (q *Queue) publish(ctx context.Context, subject string, job domain.Job) {
	if q.opts.NATSConn == nil {
		return
	}
	if err := natsutil.Publish(ctx, q.opts.NATSConn, subject, job); err != nil {
		q.opts.Logger.Warn("job lifecycle publish failed", "subject", subject, "job_id", job.ID, "error", err)
	}
}

// Run starts the configured number of worker goroutines and blocks until ctx
// is cancelled, then waits for in-flight jobs to reach a safe stopping point.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			if q.limiter != nil {
				if err := q.limiter.Wait(ctx); err != nil {
					return
				}
			}
			q.process(ctx, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, job domain.Job) {
	job.Status = domain.JobRunning
	q.setStatus(job)
	q.publish(ctx, "jobs.running", job)

	retryOpts := fn.DefaultRetry
	retryOpts.MaxAttempts = q.opts.MaxRetries

	result := fn.Retry(ctx, retryOpts, func(ctx context.Context) fn.Result[extractnlp.Result] {
		job.Attempt++
		var r extractnlp.Result
		err := q.breaker.Call(ctx, func(ctx context.Context) error {
			var callErr error
			r, callErr = q.extractor(job.Text, job.ModelID)
			return callErr
		})
		if err != nil {
			return fn.Err[extractnlp.Result](err)
		}
		return fn.Ok(r)
	})

	if result.IsErr() {
		_, err := result.Unwrap()
		job.Status = domain.JobFailed
		q.setStatus(job)
		q.opts.Logger.Warn("extraction failed, job marked failed", "job_id", job.ID, "node_id", job.NodeID, "error", err)
		q.publish(ctx, "jobs.failed", job)
		return
	}

	extracted, _ := result.Unwrap()
	muts := mutationsFromExtraction(job, extracted, q.repo)
	if len(muts) > 0 {
		if err := q.repo.ApplyIndexTransaction(muts); err != nil {
			job.Status = domain.JobFailed
			q.setStatus(job)
			q.opts.Logger.Warn("applying extraction result failed, job marked failed", "job_id", job.ID, "error", err)
			q.publish(ctx, "jobs.failed", job)
			return
		}
	}

	job.Status = domain.JobDone
	q.setStatus(job)
	q.publish(ctx, "jobs.done", job)
}

// mutationsFromExtraction turns an extraction result into index mutations:
// one node per distinct entity, keyed by a content-derived id so the same
// entity name always maps to the same node across chunks, plus one edge per
// relation — from the source chunk node to each entity it mentions, and
// between entities a relation directly names. Nodes that already exist in the
// repository, tombstoned ones included, are not re-created.
func mutationsFromExtraction(job domain.Job, extracted extractnlp.Result, repo *repository.Repository) []domain.IndexMutation {
	dim := 0
	if n, ok := repo.Node(job.NodeID); ok {
		dim = len(n.Embedding)
	}

	entityID := make(map[string]int64, len(extracted.Entities))
	names := make([]string, 0, len(extracted.Entities))
	for _, e := range extracted.Entities {
		names = append(names, e.Name)
	}
	sort.Strings(names)

	var muts []domain.IndexMutation
	for _, name := range names {
		id := entityNodeID(name)
		entityID[name] = id
		if _, ok := repo.Node(id); ok {
			continue // already materialized by a prior extraction job
		}
		muts = append(muts, domain.PutNode(domain.Node{
			ID:         id,
			Embedding:  deterministicEmbedding(name, dim),
			Metadata:   name,
			ModelID:    job.ModelID,
			Confidence: bestConfidence(extracted.Entities, name),
		}))
	}

	for _, rel := range extracted.Relations {
		fromID, ok := entityID[rel.From]
		if !ok {
			continue
		}
		toID, ok := entityID[rel.To]
		if !ok {
			continue
		}
		muts = append(muts, domain.PutEdge(domain.Edge{
			SourceID: fromID,
			TargetID: toID,
			RelType:  relTypeCode(rel.RelType),
			Weight:   rel.Confidence,
			ModelID:  job.ModelID,
		}))
	}

	if len(entityID) > 0 {
		for _, name := range names {
			muts = append(muts, domain.PutEdge(domain.Edge{
				SourceID: job.NodeID,
				TargetID: entityID[name],
				RelType:  relTypeCode("mentions"),
				Weight:   bestConfidence(extracted.Entities, name),
				ModelID:  job.ModelID,
			}))
		}
	}
	return muts
}

func bestConfidence(entities []extractnlp.Entity, name string) float64 {
	for _, e := range entities {
		if e.Name == name {
			return e.Confidence
		}
	}
	return 0
}

// deterministicEmbedding produces a reproducible placeholder vector for a
// freshly-extracted entity that has no embedder call of its own: extraction
// only names entities, it doesn't vectorize them, and the index requires
// every node to carry an embedding of the configured dimension. Each
// component is derived from a differently-salted hash of the name so the
// vector isn't degenerate, then L2-normalized.
func deterministicEmbedding(name string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	out := make([]float32, dim)
	var sumSq float64
	for i := 0; i < dim; i++ {
		h := xxhash.Sum64String(fmt.Sprintf("%s#%d", name, i))
		v := float32(h%2000)/1000 - 1 // in [-1, 1)
		out[i] = v
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return out
	}
	norm := float32(1)
	if sumSq > 0 {
		norm = float32(1 / sqrtApprox(sumSq))
	}
	for i := range out {
		out[i] *= norm
	}
	return out
}

func sqrtApprox(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// entityNodeID derives a stable int64 id from an entity's canonical name, so
// the same entity mentioned across different chunks/jobs resolves to one
// node.
func entityNodeID(name string) int64 {
	h := xxhash.Sum64String("entity:" + name)
	return int64(h & 0x7fffffffffffffff)
}

// relTypeCode maps a relation type name to a small stable integer code.
func relTypeCode(relType string) int32 {
	h := xxhash.Sum64String("reltype:" + relType)
	return int32(h & 0x7fffffff)
}
