package opportunity

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// The opportunities API serves two wire shapes for the same records: the
// canonical verbose shape and an abbreviated shape with single/double-letter
// keys (a bandwidth optimization for large result sets). The response never
// declares which; the decoder detects it structurally and is the single
// source of truth for the distinction.

// abbrToken is the compact-key wire form of Token.
type abbrToken struct {
	Address  string  `json:"a"`
	Symbol   string  `json:"s"`
	Name     string  `json:"n"`
	Logo     string  `json:"l"`
	Decimals int     `json:"d"`
	PriceUSD float64 `json:"pu"`
}

// abbrAPY is the compact-key wire form of APY.
type abbrAPY struct {
	Current  float64 `json:"c"`
	Avg7Days float64 `json:"a7"`
}

// abbrReward is the compact-key wire form of Reward.
type abbrReward struct {
	Asset     abbrToken `json:"as"`
	SupplyAPY float64   `json:"sa"`
}

// abbrPlatform is the compact-key wire form of Platform.
type abbrPlatform struct {
	ProtocolIdentifier string       `json:"pi"`
	PlatformName       string       `json:"pn"`
	Name               string       `json:"n"`
	Logo               string       `json:"l"`
	APY                abbrAPY      `json:"ap"`
	MaxLTV             float64      `json:"ml"`
	Liquidity          float64      `json:"lq"`
	Borrows            float64      `json:"br"`
	UtilizationRate    float64      `json:"ur"`
	Rewards            []abbrReward `json:"rw"`
	AdditionalRewards  bool         `json:"ar"`
	IsVault            bool         `json:"iv"`
	CollateralExposure []string     `json:"ce"`
	CollateralTokens   []abbrToken  `json:"ct"`
}

// abbrOpportunity is the compact-key wire form of LendOpportunity.
type abbrOpportunity struct {
	Token    abbrToken    `json:"t"`
	ChainID  int          `json:"c"`
	Platform abbrPlatform `json:"p"`
}

// IsAbbreviatedResponse reports whether the first record of a response array
// uses the abbreviated shape. Detection is structural: abbreviated records
// carry the top-level keys t, c and p, which the canonical shape never has.
func IsAbbreviatedResponse(records []json.RawMessage) bool {
	if len(records) == 0 {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(records[0], &probe); err != nil {
		return false
	}
	_, hasT := probe["t"]
	_, hasC := probe["c"]
	_, hasP := probe["p"]
	return hasT && hasC && hasP
}

// DecodeOpportunities parses an opportunities API response body, detecting
// canonical vs abbreviated form at runtime.
//
// A record that fails to normalize indicates an upstream contract break; it
// is logged with diagnostic context and the error is returned, never masked.
func DecodeOpportunities(body []byte, log zerolog.Logger) ([]LendOpportunity, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("opportunities response is not an array: %w", err)
	}
	if len(records) == 0 {
		return []LendOpportunity{}, nil
	}

	abbreviated := IsAbbreviatedResponse(records)
	out := make([]LendOpportunity, 0, len(records))

	for i, record := range records {
		var (
			opp LendOpportunity
			err error
		)
		if abbreviated {
			opp, err = decodeAbbreviated(record)
		} else {
			err = json.Unmarshal(record, &opp)
		}
		if err != nil {
			log.Error().
				Err(err).
				Int("index", i).
				Bool("abbreviated", abbreviated).
				Str("symbol", probeSymbol(record, abbreviated)).
				Strs("keys", topLevelKeys(record)).
				Msg("Failed to normalize opportunity record")
			return nil, fmt.Errorf("failed to normalize opportunity record %d: %w", i, err)
		}
		out = append(out, opp)
	}

	return out, nil
}

func decodeAbbreviated(record json.RawMessage) (LendOpportunity, error) {
	var abbr abbrOpportunity
	if err := json.Unmarshal(record, &abbr); err != nil {
		return LendOpportunity{}, err
	}
	return mapOpportunityFromAbbreviated(abbr), nil
}

// mapOpportunityFromAbbreviated expands an abbreviated record to canonical form.
func mapOpportunityFromAbbreviated(abbr abbrOpportunity) LendOpportunity {
	return LendOpportunity{
		Token:   tokenFromAbbreviated(abbr.Token),
		ChainID: abbr.ChainID,
		Platform: Platform{
			ProtocolIdentifier: abbr.Platform.ProtocolIdentifier,
			PlatformName:       abbr.Platform.PlatformName,
			Name:               abbr.Platform.Name,
			Logo:               abbr.Platform.Logo,
			APY:                APY{Current: abbr.Platform.APY.Current, Avg7Days: abbr.Platform.APY.Avg7Days},
			MaxLTV:             abbr.Platform.MaxLTV,
			Liquidity:          abbr.Platform.Liquidity,
			Borrows:            abbr.Platform.Borrows,
			UtilizationRate:    abbr.Platform.UtilizationRate,
			Rewards:            rewardsFromAbbreviated(abbr.Platform.Rewards),
			AdditionalRewards:  abbr.Platform.AdditionalRewards,
			IsVault:            abbr.Platform.IsVault,
			CollateralExposure: abbr.Platform.CollateralExposure,
			CollateralTokens:   tokensFromAbbreviated(abbr.Platform.CollateralTokens),
		},
	}
}

// mapOpportunityToAbbreviated compacts a canonical record to abbreviated form.
// Used when persisting large snapshots and to keep the round trip honest.
func mapOpportunityToAbbreviated(opp LendOpportunity) abbrOpportunity {
	return abbrOpportunity{
		Token:   tokenToAbbreviated(opp.Token),
		ChainID: opp.ChainID,
		Platform: abbrPlatform{
			ProtocolIdentifier: opp.Platform.ProtocolIdentifier,
			PlatformName:       opp.Platform.PlatformName,
			Name:               opp.Platform.Name,
			Logo:               opp.Platform.Logo,
			APY:                abbrAPY{Current: opp.Platform.APY.Current, Avg7Days: opp.Platform.APY.Avg7Days},
			MaxLTV:             opp.Platform.MaxLTV,
			Liquidity:          opp.Platform.Liquidity,
			Borrows:            opp.Platform.Borrows,
			UtilizationRate:    opp.Platform.UtilizationRate,
			Rewards:            rewardsToAbbreviated(opp.Platform.Rewards),
			AdditionalRewards:  opp.Platform.AdditionalRewards,
			IsVault:            opp.Platform.IsVault,
			CollateralExposure: opp.Platform.CollateralExposure,
			CollateralTokens:   tokensToAbbreviated(opp.Platform.CollateralTokens),
		},
	}
}

func tokenFromAbbreviated(t abbrToken) Token {
	return Token{
		Address:  t.Address,
		Symbol:   t.Symbol,
		Name:     t.Name,
		Logo:     t.Logo,
		Decimals: t.Decimals,
		PriceUSD: t.PriceUSD,
	}
}

func tokenToAbbreviated(t Token) abbrToken {
	return abbrToken{
		Address:  t.Address,
		Symbol:   t.Symbol,
		Name:     t.Name,
		Logo:     t.Logo,
		Decimals: t.Decimals,
		PriceUSD: t.PriceUSD,
	}
}

func tokensFromAbbreviated(ts []abbrToken) []Token {
	if ts == nil {
		return nil
	}
	out := make([]Token, len(ts))
	for i, t := range ts {
		out[i] = tokenFromAbbreviated(t)
	}
	return out
}

func tokensToAbbreviated(ts []Token) []abbrToken {
	if ts == nil {
		return nil
	}
	out := make([]abbrToken, len(ts))
	for i, t := range ts {
		out[i] = tokenToAbbreviated(t)
	}
	return out
}

func rewardsFromAbbreviated(rs []abbrReward) []Reward {
	if rs == nil {
		return nil
	}
	out := make([]Reward, len(rs))
	for i, r := range rs {
		out[i] = Reward{Asset: tokenFromAbbreviated(r.Asset), SupplyAPY: r.SupplyAPY}
	}
	return out
}

func rewardsToAbbreviated(rs []Reward) []abbrReward {
	if rs == nil {
		return nil
	}
	out := make([]abbrReward, len(rs))
	for i, r := range rs {
		out[i] = abbrReward{Asset: tokenToAbbreviated(r.Asset), SupplyAPY: r.SupplyAPY}
	}
	return out
}

// probeSymbol digs the token symbol out of an undecodable record for logging.
func probeSymbol(record json.RawMessage, abbreviated bool) string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(record, &probe); err != nil {
		return ""
	}
	tokenKey := "token"
	symbolKey := "symbol"
	if abbreviated {
		tokenKey, symbolKey = "t", "s"
	}
	var token map[string]json.RawMessage
	if err := json.Unmarshal(probe[tokenKey], &token); err != nil {
		return ""
	}
	var symbol string
	_ = json.Unmarshal(token[symbolKey], &symbol)
	return symbol
}

// topLevelKeys lists a record's keys, sorted, for shape-mismatch diagnostics.
func topLevelKeys(record json.RawMessage) []string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(record, &probe); err != nil {
		return nil
	}
	keys := make([]string, 0, len(probe))
	for k := range probe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
