package market

import (
	"context"
	"sort"
	"time"

	"fundingarb/logger"
	"fundingarb/venue"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Provider drives every configured venue.Adapter concurrently with a
// per-venue deadline budget and an overall deadline, normalizes results
// through SnapshotCache, and falls back through ws_stream-cached values
// then stale cache entries before giving up on a venue (4.B).
type Provider struct {
	adapters    map[venue.Name]venue.Adapter
	symbols     []string
	cache       *SnapshotCache
	wsCache     *venue.WSCache
	venueBudget time.Duration
	totalBudget time.Duration
	staleMaxAge time.Duration

	sf singleflight.Group
}

func NewProvider(adapters map[venue.Name]venue.Adapter, symbols []string, cache *SnapshotCache, wsCache *venue.WSCache, venueBudget, totalBudget, staleMaxAge time.Duration) *Provider {
	return &Provider{
		adapters:    adapters,
		symbols:     symbols,
		cache:       cache,
		wsCache:     wsCache,
		venueBudget: venueBudget,
		totalBudget: totalBudget,
		staleMaxAge: staleMaxAge,
	}
}

// FetchAll implements the §5 single-flight rule: concurrent callers with
// force_refresh=false share one in-flight fetch; force_refresh=true always
// issues its own fetch without invalidating a shared one already running.
func (p *Provider) FetchAll(ctx context.Context, forceRefresh bool) (*BoardResult, error) {
	if forceRefresh {
		return p.fetchAll(ctx, true)
	}

	v, err, _ := p.sf.Do("fetch_all", func() (interface{}, error) {
		return p.fetchAll(context.Background(), false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*BoardResult), nil
}

func (p *Provider) fetchAll(ctx context.Context, forceRefresh bool) (*BoardResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.totalBudget)
	defer cancel()

	names := make([]venue.Name, 0, len(p.adapters))
	for name := range p.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	type workerResult struct {
		name      venue.Name
		snapshots []Snapshot
		status    VenueStatus
		fromCache bool
	}
	results := make([]workerResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			snaps, status, fromCache := p.fetchVenue(gctx, name, forceRefresh)
			results[i] = workerResult{name: name, snapshots: snaps, status: status, fromCache: fromCache}
			return nil
		})
	}
	_ = g.Wait()

	board := &BoardResult{
		SnapshotsByVenue: make(map[venue.Name][]Snapshot, len(names)),
		Meta: FetchMeta{
			CacheHit:    true,
			VenueStatus: make(map[venue.Name]VenueStatus, len(names)),
		},
	}

	for _, r := range results {
		board.SnapshotsByVenue[r.name] = r.snapshots
		board.Meta.VenueStatus[r.name] = r.status
		if !r.fromCache {
			board.Meta.CacheHit = false
		}
	}
	board.Meta.WallTime = time.Since(start)

	return board, nil
}

// fetchVenue runs one venue's fallback chain: adapter call (within
// venueBudget) → ws_stream last-known value → stale cache entry. An
// empty adapter result is treated as failure, not success (4.B) — it
// usually means the venue is throttling.
func (p *Provider) fetchVenue(ctx context.Context, name venue.Name, forceRefresh bool) ([]Snapshot, VenueStatus, bool) {
	adapter, ok := p.adapters[name]
	if !ok {
		return nil, VenueStatus{OK: false, Err: "no adapter configured"}, false
	}

	if !forceRefresh {
		if snaps, allFresh := p.allFresh(name); allFresh {
			return snaps, VenueStatus{OK: true, SourceTag: snaps[0].SourceTag}, true
		}
	}

	venueCtx, cancel := context.WithTimeout(ctx, p.venueBudget)
	defer cancel()

	raw, err := adapter.FetchFunding(venueCtx, p.symbols)
	if err == nil && len(raw) > 0 {
		snaps := make([]Snapshot, 0, len(raw))
		for _, s := range raw {
			maxLev := p.fetchMaxLeverage(venueCtx, adapter, s.Symbol)
			snap := fromFundingSnapshot(s, maxLev)
			p.cache.Put(name, s.Symbol, snap)
			snaps = append(snaps, snap)
		}
		return snaps, VenueStatus{OK: true, SourceTag: venue.SourceREST}, false
	}
	if err != nil {
		logger.Infof("market: %s fetch_funding failed: %v", name, err)
	}

	// ws_stream fallback
	if p.wsCache != nil {
		var wsSnaps []Snapshot
		for _, symbol := range p.symbols {
			if wsSnap, ok := p.wsCache.Get(name, symbol); ok {
				snap := fromFundingSnapshot(wsSnap, nil)
				wsSnaps = append(wsSnaps, snap)
			}
		}
		if len(wsSnaps) > 0 {
			return wsSnaps, VenueStatus{OK: true, SourceTag: venue.SourceWS}, false
		}
	}

	// stale cache fallback
	var staleSnaps []Snapshot
	for _, symbol := range p.symbols {
		if snap, status := p.cache.Get(name, symbol); status == StatusStale {
			staleSnaps = append(staleSnaps, snap)
		}
	}
	if len(staleSnaps) > 0 {
		return staleSnaps, VenueStatus{OK: true, SourceTag: venue.SourceStale}, false
	}

	errMsg := "empty result"
	if err != nil {
		errMsg = err.Error()
	}
	return nil, VenueStatus{OK: false, Err: errMsg}, false
}

func (p *Provider) allFresh(name venue.Name) ([]Snapshot, bool) {
	snaps := make([]Snapshot, 0, len(p.symbols))
	for _, symbol := range p.symbols {
		snap, status := p.cache.Get(name, symbol)
		if status != StatusFresh {
			return nil, false
		}
		snaps = append(snaps, snap)
	}
	return snaps, len(snaps) > 0
}

func (p *Provider) fetchMaxLeverage(ctx context.Context, adapter venue.Adapter, symbol string) *int {
	lev, err := adapter.FetchMaxLeverage(ctx, symbol)
	if err != nil || lev <= 0 {
		return nil
	}
	return &lev
}
