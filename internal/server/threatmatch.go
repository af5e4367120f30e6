package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/PhucNguyen204/threat-match/internal/indicators"
	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/compiler"
	"github.com/PhucNguyen204/threat-match/threat_match/enrichment"
	"github.com/PhucNguyen204/threat-match/threat_match/filter"
	"github.com/PhucNguyen204/threat-match/threat_match/matcher"
)

const maxBodyBytes = 32 << 20

var errNoMapping = errors.New("no threat_mapping in request and none configured")

// compileOptions override the server mapping and compiler settings per
// request. Absent fields fall back to the server's.
type compileOptions struct {
	ThreatMapping ir.ThreatMapping               `json:"threat_mapping"`
	Allowed       *ir.AllowedFieldsForTermsQuery `json:"allowed_fields_for_terms_query"`
	EntryKey      string                         `json:"entry_key"`
	ChunkSize     *int                           `json:"chunk_size"`
	Strategy      *ir.OptimizationStrategy       `json:"optimization_strategy"`
}

type compileRequest struct {
	compileOptions
	ThreatList []ir.ThreatListItem `json:"threat_list"`
}

type compileStoredRequest struct {
	compileOptions
	Indexes []string `json:"indexes"`
	// Go duration ("24h") or a date dateparse understands.
	Since string `json:"since"`
}

type compiledFilter struct {
	Filter      filter.BooleanFilter `json:"filter"`
	Statistics  filter.Statistics    `json:"statistics"`
	Fingerprint string               `json:"fingerprint"`
	Items       int                  `json:"items"`
}

type compileResponse struct {
	RequestID string           `json:"request_id"`
	Items     int              `json:"items"`
	Filters   []compiledFilter `json:"filters"`
}

type compilePlan struct {
	mapping ir.ThreatMapping
	allowed *ir.AllowedFieldsForTermsQuery
	cfg     ir.CompilerConfig
}

func (s *AppServer) plan(o compileOptions) (compilePlan, error) {
	p := compilePlan{mapping: o.ThreatMapping, allowed: o.Allowed, cfg: s.cfg}
	if len(p.mapping) == 0 {
		mf, ok := s.currentMapping()
		if !ok {
			return compilePlan{}, errNoMapping
		}
		p.mapping = mf.Mapping
		if p.allowed == nil {
			p.allowed = mf.Allowed
		}
	}
	if o.EntryKey != "" {
		k, err := ir.ParseEntryKey(o.EntryKey)
		if err != nil {
			return compilePlan{}, err
		}
		p.cfg = p.cfg.WithEntryKey(k)
	}
	if o.ChunkSize != nil {
		p.cfg = p.cfg.WithChunkSize(*o.ChunkSize)
	}
	if o.Strategy != nil {
		p.cfg = p.cfg.WithStrategy(*o.Strategy)
	}
	return p, nil
}

// compile builds one filter per chunk of items and logs filters that exceed
// the clause limit.
func (s *AppServer) compile(reqID string, p compilePlan, items []ir.ThreatListItem) ([]compiledFilter, error) {
	chunks := ir.ChunkThreatList(items, p.cfg.ChunkSize)
	filters := compiler.BuildChunked(p.mapping, items, p.allowed, p.cfg)
	if len(filters) == 0 {
		// empty batch still yields the canonical empty filter
		filters = []filter.BooleanFilter{compiler.BuildThreatMappingFilter(p.mapping, nil, p.cfg.EntryKey, nil)}
		chunks = [][]ir.ThreatListItem{nil}
	}
	out := make([]compiledFilter, 0, len(filters))
	for i := range filters {
		f := &filters[i]
		stats := f.Statistics()
		fp, err := filter.Fingerprint(f)
		if err != nil {
			return nil, fmt.Errorf("fingerprint filter %d: %w", i, err)
		}
		if stats.ExceedsClauseLimit(p.cfg.MaxClauseCount) {
			s.log.Warnw("compiled filter exceeds clause limit",
				"request_id", reqID, "chunk", i, "clauses", stats.ClauseCount, "limit", p.cfg.MaxClauseCount)
		}
		out = append(out, compiledFilter{
			Filter:      *f,
			Statistics:  stats,
			Fingerprint: strconv.FormatUint(fp, 16),
			Items:       len(chunks[i]),
		})
	}
	return out, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *AppServer) handleCompile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	reqID := requestID(r.Context())
	var req compileRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.plan(req.compileOptions)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	filters, err := s.compile(reqID, p, req.ThreatList)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Infow("compiled threat mapping", "request_id", reqID, "items", len(req.ThreatList), "filters", len(filters), "entry_key", p.cfg.EntryKey)
	writeJSON(w, http.StatusOK, compileResponse{RequestID: reqID, Items: len(req.ThreatList), Filters: filters})
}

func (s *AppServer) handleCompileStored(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.store == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("indicator store not configured"))
		return
	}
	reqID := requestID(r.Context())
	var req compileStoredRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.plan(req.compileOptions)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	since, err := indicators.ParseSince(req.Since, s.now())
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	resp := compileResponse{RequestID: reqID, Filters: []compiledFilter{}}
	q := indicators.Query{Indexes: req.Indexes, Since: since, Size: p.cfg.ChunkSize}
	total, err := indicators.FetchAll(r.Context(), s.store, q, func(items []ir.ThreatListItem) error {
		// one store page is one chunk
		page := p
		page.cfg = page.cfg.WithChunkSize(len(items))
		filters, err := s.compile(reqID, page, items)
		if err != nil {
			return err
		}
		resp.Filters = append(resp.Filters, filters...)
		return nil
	})
	if err != nil {
		s.log.Errorw("compile from store failed", "request_id", reqID, "error", err)
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp.Items = total
	if total == 0 {
		resp.Filters, _ = s.compile(reqID, p, nil)
	}
	s.log.Infow("compiled stored indicators", "request_id", reqID, "items", total, "filters", len(resp.Filters), "indexes", req.Indexes, "since", since)
	writeJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	ThreatList []ir.ThreatListItem `json:"threat_list"`
}

// handleIngest stores indicators for later compile-stored requests.
func (s *AppServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	wr, ok := s.store.(indicators.Writer)
	if !ok {
		writeErr(w, http.StatusServiceUnavailable, errors.New("indicator store not writable"))
		return
	}
	reqID := requestID(r.Context())
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	n, err := wr.Upsert(r.Context(), req.ThreatList)
	if err != nil {
		if errors.Is(err, indicators.ErrMissingID) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		s.log.Errorw("indicator upsert failed", "request_id", reqID, "error", err)
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Infow("indicators stored", "request_id", reqID, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"request_id": reqID, "upserted": n})
}

type evaluateRequest struct {
	Filter *filter.BooleanFilter `json:"filter"`
	Events []map[string]any      `json:"events"`
	// Optional: the batch the filter was compiled from, to resolve matches
	// back to indicators.
	ThreatList    []ir.ThreatListItem `json:"threat_list"`
	IndicatorPath string              `json:"indicator_path"`
	EntryKey      string              `json:"entry_key"`
}

type evaluateResult struct {
	Index          int                      `json:"index"`
	Matched        bool                     `json:"matched"`
	MatchedQueries []string                 `json:"matched_queries"`
	Matches        []enrichment.ThreatMatch `json:"matches,omitempty"`
}

func (s *AppServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	reqID := requestID(r.Context())
	var req evaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Filter == nil {
		writeErr(w, http.StatusBadRequest, errors.New("filter is required"))
		return
	}
	key, err := ir.ParseEntryKey(req.EntryKey)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	indicatorPath := req.IndicatorPath
	if indicatorPath == "" {
		if mf, ok := s.currentMapping(); ok {
			indicatorPath = mf.IndicatorPath
		}
	}

	ev := matcher.NewEvaluator(*req.Filter)
	results := make([]evaluateResult, 0, len(req.Events))
	matched := 0
	for i, res := range ev.EvaluateBatch(req.Events) {
		out := evaluateResult{Index: i, Matched: res.Matched, MatchedQueries: res.MatchedQueries}
		if res.Matched {
			matched++
			if len(req.ThreatList) > 0 {
				out.Matches, _ = enrichment.Enrich(req.Events[i], res.MatchedQueries, req.ThreatList,
					enrichment.Options{EntryKey: key, IndicatorPath: indicatorPath})
			}
		}
		results = append(results, out)
	}
	s.log.Infow("evaluated events", "request_id", reqID, "events", len(req.Events), "matched", matched,
		"prefilter_patterns", ev.PrefilterStats().PatternCount)
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": reqID,
		"accepted":   len(req.Events),
		"matched":    matched,
		"results":    results,
	})
}

type decodedName struct {
	Name       string         `json:"name"`
	Provenance *ir.Provenance `json:"provenance,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (s *AppServer) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Names []string `json:"names"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	out := make([]decodedName, 0, len(req.Names))
	for _, name := range req.Names {
		p, err := ir.DecodeNamedQuery(name)
		if err != nil {
			out = append(out, decodedName{Name: name, Error: err.Error()})
			continue
		}
		out = append(out, decodedName{Name: name, Provenance: &p})
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID(r.Context()), "names": out})
}
