// Package opportunity holds the lend/loop opportunity domain model, the wire
// format normalizer, and the leverage pair builders.
package opportunity

import "strings"

// Token is an ERC-20 style asset as reported by upstream APIs.
// Address is the natural key; comparisons are case-insensitive.
type Token struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Logo     string  `json:"logo"`
	Decimals int     `json:"decimals"`
	PriceUSD float64 `json:"price_usd"`
}

// SameAddress reports whether two addresses refer to the same token.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// APY is a current/trailing pair of annualized yields, in percent.
type APY struct {
	Current  float64 `json:"current"`
	Avg7Days float64 `json:"avg_7days"`
}

// Reward is a protocol incentive attached to supplying a reserve.
type Reward struct {
	Asset     Token   `json:"asset"`
	SupplyAPY float64 `json:"supply_apy"`
}

// Platform carries the lending-protocol-level data for one market.
type Platform struct {
	ProtocolIdentifier string   `json:"protocol_identifier"`
	PlatformName       string   `json:"platform_name"`
	Name               string   `json:"name"`
	Logo               string   `json:"logo"`
	APY                APY      `json:"apy"`
	MaxLTV             float64  `json:"max_ltv"`
	Liquidity          float64  `json:"liquidity"`
	Borrows            float64  `json:"borrows"`
	UtilizationRate    float64  `json:"utilization_rate"`
	Rewards            []Reward `json:"rewards"`
	AdditionalRewards  bool     `json:"additional_rewards"`
	IsVault            bool     `json:"isVault"`
	CollateralExposure []string `json:"collateral_exposure"`
	CollateralTokens   []Token  `json:"collateral_tokens"`
}

// LendOpportunity is one lendable market on one chain.
type LendOpportunity struct {
	Token    Token    `json:"token"`
	ChainID  int      `json:"chain_id"`
	Platform Platform `json:"platform"`
}

// Asset is a platform reserve that may serve as a borrow leg.
type Asset struct {
	Token         Token `json:"token"`
	BorrowEnabled bool  `json:"borrow_enabled"`
}

// PlatformAssetData is platform-level data broken into reserves.
type PlatformAssetData struct {
	Assets []Asset `json:"assets"`
}

// Reserve is one side (lend or borrow) of an API-paired loop record.
type Reserve struct {
	Token        Token    `json:"token"`
	LiquidityUSD float64  `json:"liquidity_usd"`
	BorrowsUSD   float64  `json:"borrows_usd"`
	APY          APY      `json:"apy"`
	MaxLTV       float64  `json:"max_ltv"`
	Rewards      []Reward `json:"rewards"`
}

// Strategy carries the authoritative leveraged-yield figures computed upstream.
type Strategy struct {
	MaxAPY      APY     `json:"max_apy"`
	MaxLeverage float64 `json:"max_leverage"`
}

// LoopOpportunity is a pre-paired leverage record fetched from the
// opportunities API. Unlike the client-side cross-join, the lend and borrow
// legs arrive already matched and the strategy yield is genuine.
type LoopOpportunity struct {
	PlatformName  string   `json:"platform_name"`
	PlatformLogo  string   `json:"platform_logo"`
	LendReserve   Reserve  `json:"lendReserve"`
	BorrowReserve Reserve  `json:"borrowReserve"`
	Strategy      Strategy `json:"strategy"`
}

// LoopPair is the unified row shape consumed by the pairs table: the lend-side
// market fields plus the borrow token, a deterministic pair id, and the
// leveraged yield.
type LoopPair struct {
	TokenAddress       string  `json:"tokenAddress"`
	TokenSymbol        string  `json:"tokenSymbol"`
	TokenName          string  `json:"tokenName"`
	TokenLogo          string  `json:"tokenLogo"`
	ChainID            int     `json:"chain_id"`
	ChainName          string  `json:"chainName"`
	ChainLogo          string  `json:"chainLogo"`
	Protocol           string  `json:"protocol"`
	PlatformName       string  `json:"platformName"`
	PlatformLogo       string  `json:"platformLogo"`
	APY                float64 `json:"apy"`
	MaxLTV             float64 `json:"max_ltv"`
	LiquidityUSD       float64 `json:"liquidityInUSD"`
	BorrowsUSD         float64 `json:"borrowsInUSD"`
	AvailableLiquidity float64 `json:"available_liquidity"`
	AppleFarmAPR       float64 `json:"appleFarmApr"`
	UtilizationRate    float64 `json:"utilization_rate"`
	IsVault            bool    `json:"isVault"`
	BorrowToken        Token   `json:"borrowToken"`
	PairID             string  `json:"pairId"`
	MaxAPY             float64 `json:"maxAPY"`
}
