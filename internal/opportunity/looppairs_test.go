package opportunity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplend/looplend/internal/chains"
)

func testDirectory() *chains.Directory {
	return chains.DefaultDirectory()
}

func usdcLend(apy float64) LendOpportunity {
	return LendOpportunity{
		Token:   Token{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Name: "USD Coin", PriceUSD: 1},
		ChainID: 1,
		Platform: Platform{
			ProtocolIdentifier: "aave-v3",
			Name:               "Aave v3",
			APY:                APY{Current: apy},
			MaxLTV:             0.77,
			Liquidity:          1000,
			Borrows:            200,
		},
	}
}

func borrowAssets() *PlatformAssetData {
	return &PlatformAssetData{Assets: []Asset{
		{Token: Token{Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH"}, BorrowEnabled: true},
		{Token: Token{Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Symbol: "WBTC"}, BorrowEnabled: true},
		{Token: Token{Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC"}, BorrowEnabled: true},
		{Token: Token{Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Symbol: "DAI"}, BorrowEnabled: false},
	}}
}

func TestCreateLoopPairs_EndToEnd(t *testing.T) {
	pairs := CreateLoopPairs([]LendOpportunity{usdcLend(3.4)}, borrowAssets(), testDirectory())

	// USDC excluded as the lend token itself (case-insensitive), DAI not borrowable
	require.Len(t, pairs, 2)
	assert.Equal(t, "usdc_weth", pairs[0].PairID)
	assert.Equal(t, "usdc_wbtc", pairs[1].PairID)

	for _, pair := range pairs {
		assert.Equal(t, 800.0, pair.AvailableLiquidity)
		assert.Equal(t, 1000.0, pair.LiquidityUSD)
		assert.Equal(t, 200.0, pair.BorrowsUSD)
		assert.Equal(t, 3.4, pair.MaxAPY)
		assert.Equal(t, "Ethereum", pair.ChainName)
	}
}

func TestCreateLoopPairs_NoSelfPairs(t *testing.T) {
	lends := []LendOpportunity{usdcLend(2), {
		Token:    Token{Address: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", Symbol: "WETH", PriceUSD: 3000},
		ChainID:  1,
		Platform: Platform{APY: APY{Current: 1.5}, Liquidity: 10, Borrows: 2},
	}}

	pairs := CreateLoopPairs(lends, borrowAssets(), testDirectory())
	for _, pair := range pairs {
		assert.False(t, SameAddress(pair.TokenAddress, pair.BorrowToken.Address),
			"pair %s must not lend and borrow the same token", pair.PairID)
	}
}

func TestCreateLoopPairs_SortedDescendingByMaxAPY(t *testing.T) {
	lends := []LendOpportunity{usdcLend(1.2), usdcLend(9.7), usdcLend(4.4)}
	pairs := CreateLoopPairs(lends, borrowAssets(), testDirectory())

	require.NotEmpty(t, pairs)
	for i := 1; i < len(pairs); i++ {
		assert.GreaterOrEqual(t, pairs[i-1].MaxAPY, pairs[i].MaxAPY)
	}
}

func TestCreateLoopPairs_EmptyInputs(t *testing.T) {
	assert.Empty(t, CreateLoopPairs(nil, borrowAssets(), testDirectory()))
	assert.Empty(t, CreateLoopPairs([]LendOpportunity{usdcLend(1)}, nil, testDirectory()))
	assert.Empty(t, CreateLoopPairs([]LendOpportunity{usdcLend(1)}, &PlatformAssetData{}, testDirectory()))
}

func TestChainIDFromPlatformName(t *testing.T) {
	tests := []struct {
		platform string
		expected int
	}{
		{"AAVE-ETHERLINK", 42793},
		{"compound-polygon", 137},
		{"MORPHO_ETHEREUM_PRIME", 1},
		{"aave-base", 8453},
		{"Silo Arbitrum", 42161},
		{"aave-optimism", 10},
		{"unknown-venue", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ChainIDFromPlatformName(tt.platform), tt.platform)
	}
}

func TestTransformLoopOpportunities(t *testing.T) {
	records := []LoopOpportunity{{
		PlatformName: "AAVE-ETHERLINK",
		LendReserve: Reserve{
			Token: Token{Address: "0x1", Symbol: "USDC"},
			APY:   APY{Current: 3.1},
			Rewards: []Reward{
				{Asset: Token{Symbol: "APPL", Name: "Apple Farm"}, SupplyAPY: 2.5},
				{Asset: Token{Symbol: "XTZ", Name: "apple farm bonus"}, SupplyAPY: 1.5},
				{Asset: Token{Symbol: "WETH", Name: "Ether"}, SupplyAPY: 9.9},
			},
		},
		BorrowReserve: Reserve{
			Token:        Token{Address: "0x2", Symbol: "WETH"},
			LiquidityUSD: 5000,
			BorrowsUSD:   1200,
		},
		Strategy: Strategy{MaxAPY: APY{Current: 14.2}},
	}}

	pairs := TransformLoopOpportunities(records, testDirectory())
	require.Len(t, pairs, 1)

	pair := pairs[0]
	assert.Equal(t, 42793, pair.ChainID)
	assert.Equal(t, "Etherlink", pair.ChainName)
	assert.Equal(t, "usdc_weth", pair.PairID)
	assert.Equal(t, 14.2, pair.MaxAPY, "strategy yield is authoritative")
	assert.Equal(t, 3800.0, pair.AvailableLiquidity, "liquidity is computed on the borrow side")
	assert.Equal(t, 4.0, pair.AppleFarmAPR, "APPL symbol and apple-named rewards sum; unrelated rewards excluded")
}

func TestTransformLoopOpportunities_PreservesCardinalityAndOrder(t *testing.T) {
	records := []LoopOpportunity{
		{PlatformName: "a", Strategy: Strategy{MaxAPY: APY{Current: 1}}},
		{PlatformName: "b", Strategy: Strategy{MaxAPY: APY{Current: 9}}},
		{PlatformName: "c", Strategy: Strategy{MaxAPY: APY{Current: 5}}},
	}

	pairs := TransformLoopOpportunities(records, testDirectory())
	require.Len(t, pairs, 3)
	assert.Equal(t, 1.0, pairs[0].MaxAPY)
	assert.Equal(t, 9.0, pairs[1].MaxAPY)
	assert.Equal(t, 5.0, pairs[2].MaxAPY)
}

func TestAppleFarmAPR_Empty(t *testing.T) {
	assert.Zero(t, AppleFarmAPR(nil))
	assert.Zero(t, AppleFarmAPR([]Reward{{Asset: Token{Symbol: "WETH", Name: "Ether"}, SupplyAPY: 3}}))
}
