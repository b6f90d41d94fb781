// Package ens resolves agent identities from ENS: the canonical address
// record plus the agentpay.* text records that advertise an agent's
// endpoint, capabilities, and price table.
package ens

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/joelklabo/agentpay"
)

// Text record keys for agent discovery.
const (
	KeyEndpoint     = "agentpay.endpoint"
	KeyCapabilities = "agentpay.capabilities"
	KeyPrices       = "agentpay.prices"
)

// RegistryAddress is the ENS registry, identical on mainnet and Sepolia.
var RegistryAddress = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

const registryABI = `[
	{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"name":"","type":"address"}],"type":"function"}
]`

const resolverABI = `[
	{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"addr","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"name":"text","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

// AgentInfo is everything the hirer needs about a resolved agent.
type AgentInfo struct {
	Name         string
	Endpoint     string
	Capabilities []string
	Prices       string
	Address      common.Address
}

// HasCapability reports whether the agent advertises the capability
// (case-insensitive, matched against the comma-separated record).
func (i AgentInfo) HasCapability(capability string) bool {
	want := strings.ToLower(strings.TrimSpace(capability))
	for _, c := range i.Capabilities {
		if strings.ToLower(c) == want || strings.Contains(strings.ToLower(c), want) {
			return true
		}
	}
	return false
}

// ContractCaller is the read-only chain surface the resolver needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Resolver performs ENS lookups with a small in-memory TTL cache.
type Resolver struct {
	caller   ContractCaller
	registry common.Address
	ttl      time.Duration

	registryABI abi.ABI
	resolverABI abi.ABI

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	info    AgentInfo
	expires time.Time
}

// NewResolver creates a resolver backed by the given chain caller.
func NewResolver(caller ContractCaller) (*Resolver, error) {
	reg, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry ABI: %w", err)
	}
	res, err := abi.JSON(strings.NewReader(resolverABI))
	if err != nil {
		return nil, fmt.Errorf("parse resolver ABI: %w", err)
	}
	return &Resolver{
		caller:      caller,
		registry:    RegistryAddress,
		ttl:         5 * time.Minute,
		registryABI: reg,
		resolverABI: res,
		cache:       make(map[string]cacheEntry),
	}, nil
}

// Namehash computes the ENS namehash of a name per EIP-137.
func Namehash(name string) common.Hash {
	node := common.Hash{}
	if name == "" {
		return node
	}
	labels := strings.Split(strings.ToLower(strings.Trim(name, ".")), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), labelHash)
	}
	return node
}

// Resolve returns the endpoint, capabilities, price table, and address for
// an ENS name. Results are cached for the resolver's TTL.
func (r *Resolver) Resolve(ctx context.Context, name string) (AgentInfo, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return AgentInfo{}, agentpay.NewError(agentpay.ErrCodeNameNotFound, "empty name")
	}

	r.mu.Lock()
	if entry, ok := r.cache[name]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.info, nil
	}
	r.mu.Unlock()

	node := Namehash(name)

	resolverAddr, err := r.lookupResolver(ctx, node)
	if err != nil {
		return AgentInfo{}, err
	}
	if resolverAddr == (common.Address{}) {
		return AgentInfo{}, agentpay.NewErrorf(agentpay.ErrCodeNameNotFound, "no resolver set for %s", name)
	}

	addr, err := r.lookupAddr(ctx, resolverAddr, node)
	if err != nil {
		return AgentInfo{}, err
	}

	endpoint, err := r.lookupText(ctx, resolverAddr, node, KeyEndpoint)
	if err != nil {
		return AgentInfo{}, err
	}
	if strings.TrimSpace(endpoint) == "" {
		return AgentInfo{}, agentpay.NewErrorf(agentpay.ErrCodeRecordMissing,
			"%s has no %s text record", name, KeyEndpoint)
	}

	caps, _ := r.lookupText(ctx, resolverAddr, node, KeyCapabilities)
	prices, _ := r.lookupText(ctx, resolverAddr, node, KeyPrices)

	info := AgentInfo{
		Name:         name,
		Endpoint:     normalizeEndpoint(endpoint),
		Capabilities: splitCapabilities(caps),
		Prices:       strings.TrimSpace(prices),
		Address:      addr,
	}

	r.mu.Lock()
	r.cache[name] = cacheEntry{info: info, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return info, nil
}

// DiscoverAgents resolves each known name and returns those advertising
// the capability. Names that fail to resolve are skipped.
func (r *Resolver) DiscoverAgents(ctx context.Context, capability string, knownAgents []string) []AgentInfo {
	var matches []AgentInfo
	for _, name := range knownAgents {
		info, err := r.Resolve(ctx, name)
		if err != nil {
			continue
		}
		if info.HasCapability(capability) {
			matches = append(matches, info)
		}
	}
	return matches
}

func (r *Resolver) lookupResolver(ctx context.Context, node common.Hash) (common.Address, error) {
	data, err := r.registryABI.Pack("resolver", node)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack resolver call: %w", err)
	}
	out, err := r.call(ctx, r.registry, data)
	if err != nil {
		return common.Address{}, agentpay.NewErrorf(agentpay.ErrCodeNameNotFound, "registry lookup failed: %v", err)
	}
	results, err := r.registryABI.Unpack("resolver", out)
	if err != nil || len(results) != 1 {
		return common.Address{}, agentpay.NewError(agentpay.ErrCodeNameNotFound, "malformed registry response")
	}
	return results[0].(common.Address), nil
}

func (r *Resolver) lookupAddr(ctx context.Context, resolver common.Address, node common.Hash) (common.Address, error) {
	data, err := r.resolverABI.Pack("addr", node)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack addr call: %w", err)
	}
	out, err := r.call(ctx, resolver, data)
	if err != nil {
		return common.Address{}, agentpay.NewErrorf(agentpay.ErrCodeRecordMissing, "addr lookup failed: %v", err)
	}
	results, err := r.resolverABI.Unpack("addr", out)
	if err != nil || len(results) != 1 {
		return common.Address{}, agentpay.NewError(agentpay.ErrCodeRecordMissing, "malformed addr response")
	}
	return results[0].(common.Address), nil
}

func (r *Resolver) lookupText(ctx context.Context, resolver common.Address, node common.Hash, key string) (string, error) {
	data, err := r.resolverABI.Pack("text", node, key)
	if err != nil {
		return "", fmt.Errorf("pack text call: %w", err)
	}
	out, err := r.call(ctx, resolver, data)
	if err != nil {
		return "", agentpay.NewErrorf(agentpay.ErrCodeRecordMissing, "text(%s) lookup failed: %v", key, err)
	}
	results, err := r.resolverABI.Unpack("text", out)
	if err != nil || len(results) != 1 {
		return "", agentpay.NewError(agentpay.ErrCodeRecordMissing, "malformed text response")
	}
	return results[0].(string), nil
}

func (r *Resolver) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func splitCapabilities(s string) []string {
	var caps []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}

// normalizeEndpoint ensures the endpoint is a full URL to the job path.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return endpoint
}
