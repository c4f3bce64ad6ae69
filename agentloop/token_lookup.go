package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"
)

// TokenInfo describes one ERC-20 style token on a network.
type TokenInfo struct {
	Address  string `yaml:"address" json:"address"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
	Name     string `yaml:"name" json:"name"`
}

// TokenTable maps network name to upper-case symbol to token.
type TokenTable map[string]map[string]TokenInfo

// DefaultTokenNetwork is used when a lookup names an unknown network.
const DefaultTokenNetwork = "base"

// nativeETH is the conventional placeholder address for the native asset.
const nativeETH = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// DefaultTokens returns the built-in token table.
func DefaultTokens() TokenTable {
	return TokenTable{
		"base": {
			"ETH":  {Address: nativeETH, Decimals: 18, Name: "Ethereum"},
			"WETH": {Address: "0x4200000000000000000000000000000000000006", Decimals: 18, Name: "Wrapped Ether"},
			"USDC": {Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, Name: "USD Coin"},
		},
		"mainnet": {
			"ETH":  {Address: nativeETH, Decimals: 18, Name: "Ethereum"},
			"WETH": {Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18, Name: "Wrapped Ether"},
			"USDC": {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, Name: "USD Coin"},
		},
	}
}

// LoadTokenTable reads a YAML token table of the form
//
//	base:
//	  USDC: {address: "0x...", decimals: 6, name: USD Coin}
//
// Symbols are upper-cased and addresses validated and checksummed.
func LoadTokenTable(path string) (TokenTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token table: %w", err)
	}
	var raw TokenTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse token table %s: %w", path, err)
	}
	return raw.normalize()
}

func (t TokenTable) normalize() (TokenTable, error) {
	out := make(TokenTable, len(t))
	for network, tokens := range t {
		n := make(map[string]TokenInfo, len(tokens))
		for symbol, info := range tokens {
			if !common.IsHexAddress(info.Address) {
				return nil, fmt.Errorf("token %s on %s: invalid address %q", symbol, network, info.Address)
			}
			info.Address = common.HexToAddress(info.Address).Hex()
			n[strings.ToUpper(symbol)] = info
		}
		out[strings.ToLower(network)] = n
	}
	return out, nil
}

func (t TokenTable) network(name string) map[string]TokenInfo {
	if tokens, ok := t[strings.ToLower(name)]; ok {
		return tokens
	}
	return t[DefaultTokenNetwork]
}

// Lookup resolves symbol case-insensitively on network, falling back to the
// default network when network is unknown.
func (t TokenTable) Lookup(symbol, network string) (TokenInfo, bool) {
	info, ok := t.network(network)[strings.ToUpper(symbol)]
	return info, ok
}

// Symbols returns the sorted symbols known on network.
func (t TokenTable) Symbols(network string) []string {
	tokens := t.network(network)
	symbols := make([]string, 0, len(tokens))
	for s := range tokens {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Networks returns the sorted network names.
func (t TokenTable) Networks() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TokenLookupTool resolves token symbols to contract addresses so the model
// never has to recall them.
func TokenLookupTool(tokens TokenTable) Tool {
	if tokens == nil {
		tokens = DefaultTokens()
	}
	return NewTool(ToolDefinition{
		Name:        "token_lookup",
		Description: "Look up a token's contract address by its symbol. Supports common tokens on Base and Mainnet. Use cache_as to store the address in a register for later tools.",
		Parameters: Object(map[string]PropertySchema{
			"symbol": {
				Type:        "string",
				Description: "Token symbol (e.g., 'ETH', 'USDC', 'WETH'). Case-insensitive.",
			},
			"network": {
				Type:        "string",
				Description: "Network name",
				Default:     DefaultTokenNetwork,
				Enum:        tokens.Networks(),
			},
			"cache_as": {
				Type:        "string",
				Description: "Register name to cache the token address (e.g., 'sell_token', 'buy_token')",
			},
		}, "symbol"),
	}, func(ctx context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
		return lookupToken(ctx, tokens, raw, tc)
	})
}

type tokenLookupArgs struct {
	Symbol  string `json:"symbol"`
	Network string `json:"network"`
	CacheAs string `json:"cache_as"`
}

func lookupToken(ctx context.Context, tokens TokenTable, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args tokenLookupArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	symbol := strings.ToUpper(args.Symbol)

	info, ok := tokens.Lookup(symbol, args.Network)
	if !ok {
		return Errorf("Token '%s' not found on %s. Available tokens: %s",
			args.Symbol, args.Network, strings.Join(tokens.Symbols(args.Network), ", "))
	}

	if args.CacheAs != "" {
		if r, ok := saveRegister(ctx, tc, args.CacheAs, info.Address, "token_lookup"); !ok {
			return r
		}
		symbolRegister := args.CacheAs + "_symbol"
		if r, ok := saveRegister(ctx, tc, symbolRegister, symbol, "token_lookup"); !ok {
			return r
		}
		log.Info(ctx, log.KV{K: "msg", V: "token cached"},
			log.KV{K: "symbol", V: symbol},
			log.KV{K: "register", V: args.CacheAs})
	}

	res := Success(fmt.Sprintf("%s (%s) on %s\nAddress: %s\nDecimals: %d",
		info.Name, symbol, args.Network, info.Address, info.Decimals))
	res.Metadata = map[string]any{
		"symbol":   symbol,
		"address":  info.Address,
		"decimals": info.Decimals,
		"name":     info.Name,
		"network":  args.Network,
	}
	if args.CacheAs != "" {
		res.Metadata["cached_in_register"] = args.CacheAs
	}
	return res
}
