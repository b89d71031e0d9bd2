// Package chains provides the static registry of supported networks.
package chains

import "sort"

// Chain describes a supported network.
type Chain struct {
	ID   int    `json:"chain_id"`
	Name string `json:"name"`
	Logo string `json:"logo"`
}

// Directory resolves chain ids to display metadata.
type Directory struct {
	byID map[int]Chain
}

// NewDirectory creates a directory from the given chains.
func NewDirectory(chains []Chain) *Directory {
	byID := make(map[int]Chain, len(chains))
	for _, c := range chains {
		byID[c.ID] = c
	}
	return &Directory{byID: byID}
}

// DefaultDirectory returns the directory of networks the aggregator supports.
func DefaultDirectory() *Directory {
	return NewDirectory([]Chain{
		{ID: 1, Name: "Ethereum", Logo: "https://cdn.looplend.xyz/chains/ethereum.svg"},
		{ID: 10, Name: "Optimism", Logo: "https://cdn.looplend.xyz/chains/optimism.svg"},
		{ID: 137, Name: "Polygon", Logo: "https://cdn.looplend.xyz/chains/polygon.svg"},
		{ID: 8453, Name: "Base", Logo: "https://cdn.looplend.xyz/chains/base.svg"},
		{ID: 42161, Name: "Arbitrum", Logo: "https://cdn.looplend.xyz/chains/arbitrum.svg"},
		{ID: 42793, Name: "Etherlink", Logo: "https://cdn.looplend.xyz/chains/etherlink.svg"},
	})
}

// Lookup returns the chain for the given id.
// The zero Chain is returned when the id is unknown, so callers can render
// rows for chains that were added upstream before the registry caught up.
func (d *Directory) Lookup(id int) (Chain, bool) {
	c, ok := d.byID[id]
	return c, ok
}

// All returns every registered chain, ordered by id.
func (d *Directory) All() []Chain {
	out := make([]Chain, 0, len(d.byID))
	for _, c := range d.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
