package chains

// knownExplorers fills in block explorers for well-known chains whose config
// leaves explorer empty.
var knownExplorers = map[uint64]string{
	1:        "https://etherscan.io",
	11155111: "https://sepolia.etherscan.io",
	17000:    "https://holesky.etherscan.io",

	42161:  "https://arbiscan.io",
	421614: "https://sepolia.arbiscan.io",

	10:       "https://optimistic.etherscan.io",
	11155420: "https://sepolia-optimistic.etherscan.io",

	8453:  "https://basescan.org",
	84532: "https://sepolia.basescan.org",

	137:   "https://polygonscan.com",
	80002: "https://amoy.polygonscan.com",

	534352: "https://scrollscan.com",
	534351: "https://sepolia.scrollscan.com",
}

// KnownExplorer returns the default explorer for chainID, if any.
func KnownExplorer(chainID uint64) (string, bool) {
	u, ok := knownExplorers[chainID]
	return u, ok
}
