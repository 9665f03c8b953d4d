// Package queryplan is the GraphRAG query planner/executor: a DSL-driven
// plan of anchor search -> graph expansion -> context pruning, with
// mode-specific finalization (local/global/drift) and an explain trace that
// is always produced, even on the degraded fallback path.
package queryplan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alayasiki/alayasiki/internal/adjacency"
	"github.com/alayasiki/alayasiki/internal/community"
	"github.com/alayasiki/alayasiki/internal/domain"
	"github.com/alayasiki/alayasiki/internal/repository"
)

// SearchMode selects the retrieval strategy.
type SearchMode string

const (
	ModeLocal  SearchMode = "local"
	ModeGlobal SearchMode = "global"
	ModeDrift  SearchMode = "drift"
	ModeAuto   SearchMode = "auto"
)

// ResponseMode selects whether Execute generates an answer or only returns
// the evidence subgraph.
type ResponseMode string

const (
	RespAnswer   ResponseMode = "answer"
	RespEvidence ResponseMode = "evidence"
)

// Filters restricts which nodes/edges anchors and expansion may touch.
type Filters struct {
	EntityType   string // matched against Node.Metadata; "" means unrestricted
	RelationType []int32
	TimeFrom     time.Time
	TimeTo       time.Time
}

// Traversal configures graph expansion from the anchor set.
type Traversal struct {
	Depth         int
	RelationTypes []int32
}

// DSL is the parsed query request, matching the option table: query,
// filters, traversal, top_k, mode, search_mode, model_id, snapshot_id.
type DSL struct {
	Query      string
	Filters    Filters
	Traversal  Traversal
	TopK       int
	Mode       ResponseMode
	SearchMode SearchMode
	ModelID    string
	SnapshotID string
	Deadline   time.Time // zero means no deadline
}

func (d DSL) withDefaults() DSL {
	if d.TopK <= 0 {
		d.TopK = 20
	}
	if d.Mode == "" {
		d.Mode = RespAnswer
	}
	if d.SearchMode == "" {
		d.SearchMode = ModeAuto
	}
	if d.Traversal.Depth <= 0 {
		d.Traversal.Depth = 1
	}
	return d
}

// Validate rejects a DSL that cannot be planned.
func (d DSL) Validate() error {
	if strings.TrimSpace(d.Query) == "" {
		return domain.NewCodedError("queryplan.Plan", domain.ErrInvalidArgument, "query", "")
	}
	switch d.SearchMode {
	case ModeLocal, ModeGlobal, ModeDrift, ModeAuto, "":
	default:
		return domain.NewCodedError("queryplan.Plan", domain.ErrInvalidArgument, "search_mode", string(d.SearchMode))
	}
	switch d.Mode {
	case RespAnswer, RespEvidence, "":
	default:
		return domain.NewCodedError("queryplan.Plan", domain.ErrInvalidArgument, "mode", string(d.Mode))
	}
	return nil
}

// PruneReason tags why a candidate node was dropped before finalize.
type PruneReason string

const (
	PruneBelowScore    PruneReason = "below_score"
	PruneFilterMiss    PruneReason = "filter_miss"
	PruneContradiction PruneReason = "contradiction"
)

// Pruned is one explain-plan entry for a dropped node.
type Pruned struct {
	NodeID int64
	Reason PruneReason
}

// Explain is always produced, including on the degraded fallback path.
type Explain struct {
	Mode      SearchMode
	Anchors   []domain.ScoredID
	Frontier  []int // frontier size per expansion hop
	Pruned    []Pruned
	Summaries []string // one per community contributing to a global-mode answer
}

// Citation points back at the source span a node's content came from.
type Citation struct {
	Source string
	SpanLo int
	SpanHi int
}

// Response is the query result shape.
type Response struct {
	Answer       *string
	EvidenceNode []domain.Node
	EvidenceEdge []domain.Edge
	Citations    []Citation
	Groundedness float64
	ModelID      string
	SnapshotID   string
	Explain      Explain
	LatencyMS    int64
	Degraded     bool
	Cancelled    bool
}

// Plan is the resolved, executable form of a DSL: everything Execute needs,
// with validation already done.
type Plan struct {
	dsl         DSL
	queryEmbed  []float32
	scoreFloor  float64
	communityFn func() *community.Engine // lazy: only global/drift/auto build this
	summarizer  community.Summarizer
	answerer    Answerer
}

// Embedder is the capability the planner needs to turn DSL.Query into a
// vector; callers supply whichever embedding client/model they've resolved.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Answerer generates prose from a question plus its evidence; callers supply
// whichever chat/completion client they've resolved. Mode=evidence skips it.
type Answerer func(ctx context.Context, question string, evidence []domain.Node) (string, error)

// Options configures Plan/Execute beyond what the DSL itself carries.
type Options struct {
	ScoreFloor     float64 // below this cosine/IP score, an anchor or expansion hit is pruned
	CommunityDepth int
	Resolution     float64
	Summarizer     community.Summarizer
	Embed          Embedder
	Answer         Answerer
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ScoreFloor <= 0 {
		o.ScoreFloor = 0.2
	}
	if o.CommunityDepth <= 0 {
		o.CommunityDepth = 3
	}
	if o.Resolution <= 0 {
		o.Resolution = 1.0
	}
	if o.Summarizer == nil {
		o.Summarizer = defaultSummarizer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func defaultSummarizer(nodes, neighborhood []domain.Node) string {
	var b strings.Builder
	for i, n := range nodes {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(n.Metadata)
	}
	return b.String()
}

// Planner builds and executes plans against one Repository.
type Planner struct {
	repo *repository.Repository
	opts Options
}

// New returns a Planner over repo.
func New(repo *repository.Repository, opts Options) *Planner {
	return &Planner{repo: repo, opts: opts.withDefaults()}
}

// Plan embeds the query and resolves a Plan ready for Execute. Embedding is
// the one required external call; everything downstream runs over the
// repository the Planner was built with.
func (p *Planner) Plan(ctx context.Context, dsl DSL) (*Plan, error) {
	dsl = dsl.withDefaults()
	if err := dsl.Validate(); err != nil {
		return nil, err
	}
	if p.opts.Embed == nil {
		return nil, fmt.Errorf("%w: queryplan: no embedder configured", domain.ErrInternal)
	}
	vec, err := p.opts.Embed(ctx, dsl.Query)
	if err != nil {
		return nil, fmt.Errorf("queryplan: embed query: %w", err)
	}

	return &Plan{
		dsl:        dsl,
		queryEmbed: vec,
		scoreFloor: p.opts.ScoreFloor,
		summarizer: p.opts.Summarizer,
		answerer:   p.opts.Answer,
		communityFn: func() *community.Engine {
			return community.New(p.repo.Image(), p.opts.CommunityDepth, p.opts.Resolution)
		},
	}, nil
}

// Execute runs the anchors -> expansion -> prune -> finalize pipeline. On
// any internal failure of expansion or pruning it falls back to a
// vector-only response with degraded=true; anchor search itself is not
// recoverable (with no anchors there is nothing to answer from).
func (p *Planner) Execute(ctx context.Context, plan *Plan) (*Response, error) {
	start := time.Now()
	resp, err := p.execute(ctx, plan)
	if err != nil {
		return nil, err
	}
	resp.LatencyMS = time.Since(start).Milliseconds()
	return resp, nil
}

func (p *Planner) execute(ctx context.Context, plan *Plan) (*Response, error) {
	dsl := plan.dsl

	typeFilter := anchorFilter(p.repo, dsl.Filters)
	anchors, err := p.repo.Search(plan.queryEmbed, dsl.TopK, typeFilter)
	if err != nil {
		return nil, fmt.Errorf("queryplan: anchor search: %w", err)
	}

	explain := Explain{Anchors: anchors}

	if deadlinePassed(dsl.Deadline) || ctx.Err() != nil {
		return p.vectorOnlyFallback(plan, anchors, explain, true), nil
	}

	mode := dsl.SearchMode
	relFilter := relFilterOf(append(append([]int32(nil), dsl.Filters.RelationType...), dsl.Traversal.RelationTypes...))

	nodes, edges, pruned, summaries, mode, frontier, stageErr := p.runExpansionStage(ctx, plan, anchors, mode, relFilter)
	explain.Frontier = frontier
	explain.Mode = mode
	if stageErr != nil {
		p.opts.Logger.Warn("queryplan: expansion/prune stage failed, falling back to vector-only", "error", stageErr)
		return p.vectorOnlyFallback(plan, anchors, explain, false), nil
	}
	explain.Pruned = pruned
	explain.Summaries = summaries

	return p.buildResponse(ctx, plan, mode, nodes, edges, explain, false, false)
}

// runExpansionStage runs expansion, auto-mode resolution, and mode-specific
// finalize, recovering from any panic (out-of-range access, nil map lookup)
// as a stage failure rather than letting it crash the caller: per spec, any
// internal failure of graph expansion or pruning falls back to vector-only.
func (p *Planner) runExpansionStage(ctx context.Context, plan *Plan, anchors []domain.ScoredID, mode SearchMode, relFilter map[int32]bool) (nodes []domain.Node, edges []domain.Edge, pruned []Pruned, summaries []string, resolvedMode SearchMode, frontier []int, stageErr error) {
	defer func() {
		if r := recover(); r != nil {
			stageErr = fmt.Errorf("queryplan: expansion stage panic: %v", r)
		}
	}()

	expanded, fr, err := p.expandAndPrune(plan, anchors, relFilter)
	if err != nil {
		return nil, nil, nil, nil, mode, fr, err
	}
	frontier = fr

	if mode == ModeAuto {
		mode = resolveAutoMode(plan, anchors)
	}
	resolvedMode = mode

	switch mode {
	case ModeGlobal:
		nodes, edges, pruned, summaries = p.finalizeGlobal(plan, anchors, expanded)
	case ModeDrift:
		nodes, edges, pruned, err = p.finalizeDrift(ctx, plan, anchors, expanded, relFilter)
		if err != nil {
			return nil, nil, nil, nil, resolvedMode, frontier, err
		}
	default: // local
		nodes, edges, pruned = p.finalizeLocal(plan, expanded)
	}
	return nodes, edges, pruned, summaries, resolvedMode, frontier, nil
}

func deadlinePassed(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func anchorFilter(repo *repository.Repository, f Filters) func(int64) bool {
	if f.EntityType == "" && f.TimeFrom.IsZero() && f.TimeTo.IsZero() {
		return nil
	}
	return func(id int64) bool {
		n, ok := repo.Node(id)
		if !ok {
			return false
		}
		if f.EntityType != "" && n.Metadata != f.EntityType {
			return false
		}
		if !f.TimeFrom.IsZero() && n.Provenance.At.Before(f.TimeFrom) {
			return false
		}
		if !f.TimeTo.IsZero() && n.Provenance.At.After(f.TimeTo) {
			return false
		}
		return true
	}
}

func relFilterOf(types []int32) map[int32]bool {
	if len(types) == 0 {
		return nil
	}
	out := make(map[int32]bool, len(types))
	for _, t := range types {
		out[t] = true
	}
	return out
}

// expandAndPrune runs graph expansion from the anchor set and reports the
// per-hop frontier size the explain plan names.
func (p *Planner) expandAndPrune(plan *Plan, anchors []domain.ScoredID, relFilter map[int32]bool) (adjacency.Subgraph, []int, error) {
	seeds := make([]int64, len(anchors))
	for i, a := range anchors {
		seeds[i] = a.ID
	}

	depth := plan.dsl.Traversal.Depth
	frontier := make([]int, 0, depth)
	prevCount := len(seeds)
	var last adjacency.Subgraph
	for hop := 1; hop <= depth; hop++ {
		sg := p.repo.Expand(seeds, hop, relFilter)
		frontier = append(frontier, len(sg.NodeIDs)-prevCount)
		prevCount = len(sg.NodeIDs)
		last = sg
	}
	if depth == 0 {
		last = adjacency.Subgraph{NodeIDs: seeds}
	}
	return last, frontier, nil
}

// finalizeLocal prunes the expanded subgraph by entity/time filters and
// cosine-to-query score; anchors are pruned like any other node.
func (p *Planner) finalizeLocal(plan *Plan, expanded adjacency.Subgraph) ([]domain.Node, []domain.Edge, []Pruned) {
	var nodes []domain.Node
	var pruned []Pruned
	for _, id := range expanded.NodeIDs {
		n, ok := p.repo.Node(id)
		if !ok || n.Tombstone {
			continue
		}
		if !matchesFilters(n, plan.dsl.Filters) {
			pruned = append(pruned, Pruned{NodeID: id, Reason: PruneFilterMiss})
			continue
		}
		score := cosine(plan.queryEmbed, n.Embedding)
		if score < plan.scoreFloor {
			pruned = append(pruned, Pruned{NodeID: id, Reason: PruneBelowScore})
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var edges []domain.Edge
	kept := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		kept[n.ID] = true
	}
	for _, e := range expanded.Edges {
		if kept[e.SourceID] && kept[e.TargetID] {
			edges = append(edges, e)
		}
	}
	return nodes, edges, pruned
}

// finalizeGlobal takes the finest-level communities that anchors fall in, in
// ascending community id order, and returns the union of their member nodes
// plus one summary per community (the "reduce" step folds into
// Response.Answer via the answerer, not here). The number of anchors in each
// community is counted but does not weight or order the summaries.
func (p *Planner) finalizeGlobal(plan *Plan, anchors []domain.ScoredID, expanded adjacency.Subgraph) ([]domain.Node, []domain.Edge, []Pruned, []string) {
	eng := plan.communityFn()
	partition := eng.Detect(0)
	if len(partition.Levels) == 0 {
		nodes, edges, pruned := p.finalizeLocal(plan, expanded)
		return nodes, edges, pruned, nil
	}
	finest := partition.Levels[0]

	touched := make(map[int64]int) // community id -> anchor overlap count
	for _, a := range anchors {
		if cid, ok := finest.NodeToComm[a.ID]; ok {
			touched[cid]++
		}
	}
	commIDs := make([]int64, 0, len(touched))
	for c := range touched {
		commIDs = append(commIDs, c)
	}
	sort.Slice(commIDs, func(i, j int) bool { return commIDs[i] < commIDs[j] })

	byID := make(map[int64]community.Community, len(finest.Communities))
	for _, c := range finest.Communities {
		byID[c.ID] = c
	}

	var nodes []domain.Node
	var pruned []Pruned
	seen := make(map[int64]bool)
	for _, cid := range commIDs {
		c := byID[cid]
		for _, id := range c.NodeIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			n, ok := p.repo.Node(id)
			if !ok || n.Tombstone {
				continue
			}
			if !matchesFilters(n, plan.dsl.Filters) {
				pruned = append(pruned, Pruned{NodeID: id, Reason: PruneFilterMiss})
				continue
			}
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var edges []domain.Edge
	kept := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		kept[n.ID] = true
	}
	for _, e := range expanded.Edges {
		if kept[e.SourceID] && kept[e.TargetID] {
			edges = append(edges, e)
		}
	}

	summaries := make([]string, 0, len(commIDs))
	for _, cid := range commIDs {
		s := community.Summarize(byID[cid], eng, p.repo.Node, plan.summarizer)
		if s != "" {
			summaries = append(summaries, s)
		}
	}
	return nodes, edges, pruned, summaries
}

const maxDriftIterations = 3

// finalizeDrift runs the local pass, then re-embeds the answer text and
// re-anchors, repeating until the anchor id set stabilises or the iteration
// bound is hit.
func (p *Planner) finalizeDrift(ctx context.Context, plan *Plan, anchors []domain.ScoredID, expanded adjacency.Subgraph, relFilter map[int32]bool) ([]domain.Node, []domain.Edge, []Pruned, error) {
	nodes, edges, pruned := p.finalizeLocal(plan, expanded)
	prevAnchors := anchorIDSet(anchors)

	for iter := 0; iter < maxDriftIterations; iter++ {
		if deadlinePassed(plan.dsl.Deadline) {
			break
		}
		partial := summarizeNodes(nodes)
		if partial == "" {
			break
		}
		embed, err := p.reembed(ctx, plan, partial)
		if err != nil {
			return nil, nil, nil, err
		}
		nextAnchors, err := p.repo.Search(embed, plan.dsl.TopK, anchorFilter(p.repo, plan.dsl.Filters))
		if err != nil {
			return nil, nil, nil, err
		}
		nextSet := anchorIDSet(nextAnchors)
		if sameSet(prevAnchors, nextSet) {
			break
		}
		prevAnchors = nextSet

		seeds := make([]int64, len(nextAnchors))
		for i, a := range nextAnchors {
			seeds[i] = a.ID
		}
		sg := p.repo.Expand(seeds, plan.dsl.Traversal.Depth, relFilter)
		nodes, edges, pruned = p.finalizeLocal(plan, sg)
	}
	return nodes, edges, pruned, nil
}

func (p *Planner) reembed(ctx context.Context, plan *Plan, text string) ([]float32, error) {
	if p.opts.Embed == nil {
		return nil, fmt.Errorf("%w: queryplan: no embedder configured for drift re-anchoring", domain.ErrInternal)
	}
	return p.opts.Embed(ctx, text)
}

func anchorIDSet(anchors []domain.ScoredID) map[int64]bool {
	set := make(map[int64]bool, len(anchors))
	for _, a := range anchors {
		set[a.ID] = true
	}
	return set
}

func sameSet(a, b map[int64]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

func summarizeNodes(nodes []domain.Node) string {
	var b strings.Builder
	for i, n := range nodes {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(n.Metadata)
	}
	return b.String()
}

// resolveAutoMode picks local if every anchor lands in the same community,
// else global.
func resolveAutoMode(plan *Plan, anchors []domain.ScoredID) SearchMode {
	if len(anchors) <= 1 {
		return ModeLocal
	}
	eng := plan.communityFn()
	partition := eng.Detect(0)
	if len(partition.Levels) == 0 {
		return ModeLocal
	}
	finest := partition.Levels[0]
	var first int64
	for i, a := range anchors {
		cid, ok := finest.NodeToComm[a.ID]
		if !ok {
			return ModeGlobal
		}
		if i == 0 {
			first = cid
		} else if cid != first {
			return ModeGlobal
		}
	}
	return ModeLocal
}

func matchesFilters(n domain.Node, f Filters) bool {
	if f.EntityType != "" && n.Metadata != f.EntityType {
		return false
	}
	if !f.TimeFrom.IsZero() && n.Provenance.At.Before(f.TimeFrom) {
		return false
	}
	if !f.TimeTo.IsZero() && n.Provenance.At.After(f.TimeTo) {
		return false
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrtf(na) * sqrtf(nb))
}

func sqrtf(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// vectorOnlyFallback builds a degraded response from anchors alone, per
// spec: any internal failure in expansion/pruning recovers locally into a
// vector-only answer rather than surfacing an error.
func (p *Planner) vectorOnlyFallback(plan *Plan, anchors []domain.ScoredID, explain Explain, cancelled bool) *Response {
	nodes := make([]domain.Node, 0, len(anchors))
	for _, a := range anchors {
		if n, ok := p.repo.Node(a.ID); ok && !n.Tombstone {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	resp, _ := p.buildResponse(context.Background(), plan, explain.Mode, nodes, nil, explain, true, cancelled)
	return resp
}

func (p *Planner) buildResponse(ctx context.Context, plan *Plan, mode SearchMode, nodes []domain.Node, edges []domain.Edge, explain Explain, degraded, cancelled bool) (*Response, error) {
	resp := &Response{
		EvidenceNode: nodes,
		EvidenceEdge: edges,
		ModelID:      plan.dsl.ModelID,
		SnapshotID:   plan.dsl.SnapshotID,
		Explain:      explain,
		Degraded:     degraded,
		Cancelled:    cancelled,
		Groundedness: groundedness(nodes),
	}
	resp.Citations = citationsOf(nodes)

	if plan.dsl.Mode == RespEvidence || plan.answerer == nil || cancelled {
		return resp, nil
	}

	text, err := plan.answerer(ctx, plan.dsl.Query, nodes)
	if err != nil {
		resp.Degraded = true
		return resp, nil
	}
	resp.Answer = &text
	return resp, nil
}

func citationsOf(nodes []domain.Node) []Citation {
	out := make([]Citation, 0, len(nodes))
	for _, n := range nodes {
		if n.Provenance.Source == "" {
			continue
		}
		out = append(out, Citation{Source: n.Provenance.Source, SpanLo: n.Provenance.SpanLo, SpanHi: n.Provenance.SpanHi})
	}
	return out
}

// groundedness is the mean anchor/evidence confidence, a cheap proxy for how
// well-supported the response is by the underlying extraction.
func groundedness(nodes []domain.Node) float64 {
	if len(nodes) == 0 {
		return 0
	}
	var sum float64
	for _, n := range nodes {
		sum += n.Confidence
	}
	return sum / float64(len(nodes))
}
