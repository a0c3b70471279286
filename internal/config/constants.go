package config

// BIP-32 / BIP-84 derivation
const (
	BIP84Purpose    = 84 // BIP-84 purpose for Native SegWit (bech32)
	BTCCoinType     = 0  // m/84'/0'/0'/.../N (mainnet)
	BTCTestCoinType = 1  // m/84'/1'/0'/.../N (testnet)
)

// Pagination
const (
	DefaultPage     = 1
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Server
const (
	ServerReadTimeout  = 30_000 // milliseconds
	ServerWriteTimeout = 60_000 // milliseconds
)

// Logging
const (
	LogFilePattern = "bria-%s-%s.log" // date, level
	LogMaxAgeDays  = 30
)

// Database
const (
	DBBusyTimeout = 5000 // milliseconds
)
