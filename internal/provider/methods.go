package provider

const (
	MethodRequestPermissions = "wallet_requestPermissions"
	MethodRevokePermissions  = "wallet_revokePermissions"
	MethodSwitchChain        = "wallet_switchEthereumChain"
	MethodRequestAccounts    = "eth_requestAccounts"
	MethodAccounts           = "eth_accounts"
	MethodChainID            = "eth_chainId"
)

// publicMethods are forwarded to the read client as-is.
var publicMethods = map[string]struct{}{
	"web3_clientVersion":                      {},
	"web3_sha3":                               {},
	"net_listening":                           {},
	"net_peerCount":                           {},
	"net_version":                             {},
	"eth_blobBaseFee":                         {},
	"eth_blockNumber":                         {},
	"eth_call":                                {},
	"eth_coinbase":                            {},
	"eth_estimateGas":                         {},
	"eth_feeHistory":                          {},
	"eth_gasPrice":                            {},
	"eth_getBalance":                          {},
	"eth_getBlockByHash":                      {},
	"eth_getBlockByNumber":                    {},
	"eth_getBlockTransactionCountByHash":      {},
	"eth_getBlockTransactionCountByNumber":    {},
	"eth_getCode":                             {},
	"eth_getFilterChanges":                    {},
	"eth_getFilterLogs":                       {},
	"eth_getLogs":                             {},
	"eth_getProof":                            {},
	"eth_getStorageAt":                        {},
	"eth_getTransactionByBlockHashAndIndex":   {},
	"eth_getTransactionByBlockNumberAndIndex": {},
	"eth_getTransactionByHash":                {},
	"eth_getTransactionCount":                 {},
	"eth_getTransactionReceipt":               {},
	"eth_getUncleByBlockHashAndIndex":         {},
	"eth_getUncleByBlockNumberAndIndex":       {},
	"eth_getUncleCountByBlockHash":            {},
	"eth_getUncleCountByBlockNumber":          {},
	"eth_maxPriorityFeePerGas":                {},
	"eth_newBlockFilter":                      {},
	"eth_newFilter":                           {},
	"eth_newPendingTransactionFilter":         {},
	"eth_protocolVersion":                     {},
	"eth_sendRawTransaction":                  {},
	"eth_uninstallFilter":                     {},
}

// signingMethods need an established session and go through the provider popup.
var signingMethods = map[string]struct{}{
	"eth_sendTransaction":  {},
	"eth_signTransaction":  {},
	"eth_signTypedData_v4": {},
	"eth_sign":             {},
	"personal_sign":        {},
}

func IsPublicMethod(method string) bool {
	_, ok := publicMethods[method]
	return ok
}

func IsSigningMethod(method string) bool {
	_, ok := signingMethods[method]
	return ok
}

// Dispatch routes, also used as metric labels.
const (
	routeConnect  = "connect"
	routeChainID  = "chain_id"
	routePublic   = "public"
	routeAccounts = "accounts"
	routeSwitch   = "switch_chain"
	routeRevoke   = "revoke"
	routeRelay    = "relay"
	routeUnknown  = "unsupported"
)
