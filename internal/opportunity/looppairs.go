package opportunity

import (
	"sort"
	"strings"

	"github.com/looplend/looplend/internal/chains"
)

// platformChainFragments maps platform-name fragments to chain ids for
// API-sourced loop records, which carry the chain only embedded in the
// platform name. Checked in order; first match wins.
var platformChainFragments = []struct {
	fragment string
	chainID  int
}{
	{"ETHERLINK", 42793},
	{"POLYGON", 137},
	{"ETHEREUM", 1},
	{"BASE", 8453},
	{"ARBITRUM", 42161},
	{"OPTIMISM", 10},
}

// ChainIDFromPlatformName derives the chain id from a platform name by
// fragment match, defaulting to mainnet when nothing matches.
func ChainIDFromPlatformName(platformName string) int {
	upper := strings.ToUpper(platformName)
	for _, entry := range platformChainFragments {
		if strings.Contains(upper, entry.fragment) {
			return entry.chainID
		}
	}
	return 1
}

// PairID builds the deterministic pair identifier for a lend/borrow symbol pair.
func PairID(lendSymbol, borrowSymbol string) string {
	return strings.ToLower(lendSymbol + "_" + borrowSymbol)
}

// CreateLoopPairs cross-joins lend opportunities with a platform's
// borrow-enabled reserves, producing every viable leverage pair.
//
// Self-pairs (same token on both legs, compared case-insensitively) are never
// constructed. The result is sorted descending by MaxAPY; ties keep input
// order (stable sort).
//
// MaxAPY here is the lend-side current APY, an interim stand-in until the
// true leveraged-yield calculation lands. API-sourced records carry the real
// figure; see TransformLoopOpportunities.
func CreateLoopPairs(lends []LendOpportunity, platform *PlatformAssetData, dir *chains.Directory) []LoopPair {
	if platform == nil || len(lends) == 0 {
		return []LoopPair{}
	}

	borrowable := make([]Asset, 0, len(platform.Assets))
	for _, asset := range platform.Assets {
		if asset.BorrowEnabled {
			borrowable = append(borrowable, asset)
		}
	}

	pairs := make([]LoopPair, 0, len(lends)*len(borrowable))
	for _, lend := range lends {
		row := lendRow(lend, dir)
		for _, asset := range borrowable {
			if SameAddress(lend.Token.Address, asset.Token.Address) {
				continue
			}
			pair := row
			pair.BorrowToken = asset.Token
			pair.PairID = PairID(lend.Token.Symbol, asset.Token.Symbol)
			pair.MaxAPY = lend.Platform.APY.Current
			pairs = append(pairs, pair)
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].MaxAPY > pairs[j].MaxAPY
	})
	return pairs
}

// lendRow derives the table-row fields shared by every pair built from one
// lend opportunity: USD liquidity figures and chain display metadata.
func lendRow(lend LendOpportunity, dir *chains.Directory) LoopPair {
	liquidityUSD := lend.Platform.Liquidity * lend.Token.PriceUSD
	borrowsUSD := lend.Platform.Borrows * lend.Token.PriceUSD

	chain, _ := dir.Lookup(lend.ChainID)

	return LoopPair{
		TokenAddress:       lend.Token.Address,
		TokenSymbol:        lend.Token.Symbol,
		TokenName:          lend.Token.Name,
		TokenLogo:          lend.Token.Logo,
		ChainID:            lend.ChainID,
		ChainName:          chain.Name,
		ChainLogo:          chain.Logo,
		Protocol:           lend.Platform.ProtocolIdentifier,
		PlatformName:       lend.Platform.Name,
		PlatformLogo:       lend.Platform.Logo,
		APY:                lend.Platform.APY.Current,
		MaxLTV:             lend.Platform.MaxLTV,
		LiquidityUSD:       liquidityUSD,
		BorrowsUSD:         borrowsUSD,
		AvailableLiquidity: liquidityUSD - borrowsUSD,
		AppleFarmAPR:       AppleFarmAPR(lend.Platform.Rewards),
		UtilizationRate:    lend.Platform.UtilizationRate,
		IsVault:            lend.Platform.IsVault,
	}
}

// TransformLoopOpportunities adapts API-paired loop records into the same
// LoopPair shape as CreateLoopPairs, 1:1 with no filtering. MaxAPY comes from
// the record's strategy and is authoritative. Unlike the cross-join variant,
// available liquidity is computed on the borrow side: it bounds how much of
// the borrow leg the loop can actually draw.
//
// No sort is applied; ordering is the caller's concern.
func TransformLoopOpportunities(records []LoopOpportunity, dir *chains.Directory) []LoopPair {
	pairs := make([]LoopPair, 0, len(records))
	for _, record := range records {
		chainID := ChainIDFromPlatformName(record.PlatformName)
		chain, _ := dir.Lookup(chainID)
		lend := record.LendReserve
		borrow := record.BorrowReserve

		pairs = append(pairs, LoopPair{
			TokenAddress:       lend.Token.Address,
			TokenSymbol:        lend.Token.Symbol,
			TokenName:          lend.Token.Name,
			TokenLogo:          lend.Token.Logo,
			ChainID:            chainID,
			ChainName:          chain.Name,
			ChainLogo:          chain.Logo,
			PlatformName:       record.PlatformName,
			PlatformLogo:       record.PlatformLogo,
			APY:                lend.APY.Current,
			MaxLTV:             lend.MaxLTV,
			LiquidityUSD:       borrow.LiquidityUSD,
			BorrowsUSD:         borrow.BorrowsUSD,
			AvailableLiquidity: borrow.LiquidityUSD - borrow.BorrowsUSD,
			AppleFarmAPR:       AppleFarmAPR(lend.Rewards),
			BorrowToken:        borrow.Token,
			PairID:             PairID(lend.Token.Symbol, borrow.Token.Symbol),
			MaxAPY:             record.Strategy.MaxAPY.Current,
		})
	}
	return pairs
}

// AppleFarmAPR sums the supply APY of Apple Farm incentive rewards: entries
// whose asset symbol is APPL or whose asset name mentions apple.
func AppleFarmAPR(rewards []Reward) float64 {
	total := 0.0
	for _, reward := range rewards {
		if reward.Asset.Symbol == "APPL" || strings.Contains(strings.ToLower(reward.Asset.Name), "apple") {
			total += reward.SupplyAPY
		}
	}
	return total
}
