package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/looplend/looplend/internal/chains"
	"github.com/looplend/looplend/internal/oppcache"
	"github.com/looplend/looplend/internal/opportunity"
)

// LendSource supplies the raw inputs for client-built loop pairs: the flat
// lend markets and a platform's borrowable reserves.
type LendSource interface {
	FetchLendOpportunities(ctx context.Context) ([]opportunity.LendOpportunity, error)
	FetchPlatformAssets(ctx context.Context, platform string) (*opportunity.PlatformAssetData, error)
}

// OpportunityHandlers serves the loop opportunities API: pre-paired records
// through the cache manager, and the cross-join built here from lend markets.
type OpportunityHandlers struct {
	manager *oppcache.Manager
	lends   LendSource
	dir     *chains.Directory
	log     zerolog.Logger
}

// NewOpportunityHandlers creates the opportunity handlers.
func NewOpportunityHandlers(manager *oppcache.Manager, lends LendSource, dir *chains.Directory, log zerolog.Logger) *OpportunityHandlers {
	return &OpportunityHandlers{
		manager: manager,
		lends:   lends,
		dir:     dir,
		log:     log.With().Str("component", "opportunity_api").Logger(),
	}
}

type opportunitiesResponse struct {
	Data          []opportunity.LoopPair `json:"data"`
	IsLoading     bool                   `json:"isLoading"`
	IsError       bool                   `json:"isError"`
	IsRefreshing  bool                   `json:"isRefreshing"`
	LastFetchTime int64                  `json:"lastFetchTime,omitempty"`
}

// HandleLoopOpportunities returns the current loop pairs for the requested
// filters, served from the snapshot cache.
// GET /api/loop-opportunities?chain_ids=1,8453&tokens=usdc,weth
func (h *OpportunityHandlers) HandleLoopOpportunities(w http.ResponseWriter, r *http.Request) {
	chainIDs := parseChainIDs(r.URL.Query().Get("chain_ids"))
	tokens := parseCSV(r.URL.Query().Get("tokens"))

	h.manager.SetFilters(chainIDs, tokens)
	snap := h.manager.Get(r.Context())

	h.writeSnapshot(w, snap)
}

// HandleRefresh forces an immediate refetch for the requested filters.
// POST /api/loop-opportunities/refresh
func (h *OpportunityHandlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	chainIDs := parseChainIDs(r.URL.Query().Get("chain_ids"))
	tokens := parseCSV(r.URL.Query().Get("tokens"))

	h.manager.SetFilters(chainIDs, tokens)
	snap := h.manager.Refresh(r.Context())

	h.writeSnapshot(w, snap)
}

// HandleLoopPairs builds loop pairs on demand by cross-joining the upstream
// lend markets with a platform's borrowable reserves. This is the fallback
// surface for platforms the pre-paired API does not cover.
// GET /api/loop-pairs?platform=superlend
func (h *OpportunityHandlers) HandleLoopPairs(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")

	lends, err := h.lends.FetchLendOpportunities(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to fetch lend opportunities")
		h.writeError(w, http.StatusBadGateway, "Upstream opportunities API failed")
		return
	}

	assets, err := h.lends.FetchPlatformAssets(r.Context(), platform)
	if err != nil {
		h.log.Error().Err(err).Str("platform", platform).Msg("Failed to fetch platform assets")
		h.writeError(w, http.StatusBadGateway, "Upstream opportunities API failed")
		return
	}

	pairs := opportunity.CreateLoopPairs(lends, assets, h.dir)
	h.writeJSON(w, map[string]any{"data": pairs})
}

// HandleChains lists the supported chains.
// GET /api/chains
func (h *OpportunityHandlers) HandleChains(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{"data": h.dir.All()})
}

func (h *OpportunityHandlers) writeSnapshot(w http.ResponseWriter, snap oppcache.Snapshot) {
	resp := opportunitiesResponse{
		Data:         opportunity.TransformLoopOpportunities(snap.Data, h.dir),
		IsLoading:    snap.IsLoading,
		IsError:      snap.IsError,
		IsRefreshing: snap.IsRefreshing,
	}
	if !snap.LastFetchTime.IsZero() {
		resp.LastFetchTime = snap.LastFetchTime.UnixMilli()
	}
	h.writeJSON(w, resp)
}

func (h *OpportunityHandlers) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *OpportunityHandlers) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func parseChainIDs(raw string) []int {
	var ids []int
	for _, part := range parseCSV(raw) {
		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
