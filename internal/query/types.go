package query

// PolicyResponse represents an authority-mediated policy for API queries.
type PolicyResponse struct {
	Address      string `json:"address"`
	Authority    string `json:"authority"`
	Nonce        uint64 `json:"nonce"`
	Strike       int64  `json:"strike"`
	Expiry       int64  `json:"expiry"` // Epoch microseconds
	Underlying   string `json:"underlying"`
	OptionType   string `json:"option_type"`
	Coverage     int64  `json:"coverage"`
	Premium      int64  `json:"premium"`
	PayoutWallet string `json:"payout_wallet"`
	PaymentAsset string `json:"payment_asset"`
	Status       string `json:"status"`
	Version      int64  `json:"version"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ProtectionResponse represents a price protection for API queries.
type ProtectionResponse struct {
	Address      string `json:"address"`
	Owner        string `json:"owner"`
	Strike       int64  `json:"strike"`
	Direction    string `json:"direction"`
	Coverage     int64  `json:"coverage"`
	Claimed      bool   `json:"claimed"`
	Vault        string `json:"vault"`
	VaultBalance int64  `json:"vault_balance"`
	Version      int64  `json:"version"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// SettlementResponse represents one value transfer (premium, coverage, claim)
// for API queries.
type SettlementResponse struct {
	JournalID     string  `json:"journal_id"`
	Sequence      int64   `json:"sequence"`
	Kind          string  `json:"kind"`
	PolicyID      *string `json:"policy_id,omitempty"`
	DebitAccount  string  `json:"debit_account"`
	CreditAccount string  `json:"credit_account"`
	AssetID       uint16  `json:"asset_id"`
	Amount        int64   `json:"amount"`
	Timestamp     int64   `json:"timestamp"`
	AsOfSequence  int64   `json:"as_of_sequence"`
}

// PriceResponse represents the latest oracle observation for a feed.
type PriceResponse struct {
	Feed         string `json:"feed"`
	Magnitude    int64  `json:"magnitude"`
	Exponent     int32  `json:"exponent"`
	Normalized   int64  `json:"normalized"` // Integer USD, derived at query time
	PublishTime  int64  `json:"publish_time"`
	FeedSequence int64  `json:"feed_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
