package query

// BalanceEntry is one custody account's projected balance.
type BalanceEntry struct {
	AccountPath string `json:"account_path"`
	Asset       string `json:"asset"`
	AssetID     uint16 `json:"asset_id"`
	Balance     int64  `json:"balance"`
}

// BalancesResponse represents all custody balances tied to one address:
// the wallet's per-asset accounts plus, for protection owners, the vault.
type BalancesResponse struct {
	Address      string         `json:"address"`
	Balances     []BalanceEntry `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"` // Last projected event sequence
}
