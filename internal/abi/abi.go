// Package abi implements just enough Ethereum ABI encoding to drive the
// multicall engine and the log crawler: function selectors, static
// arguments, and event topics. It deliberately does not implement full
// ABI dynamic-type decoding since the engine only needs a handful of
// uint256/address-returning view functions.
package abi

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Selector returns the 4-byte function selector for a Solidity signature
// such as "balanceOf(address)".
func Selector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	sum := h.Sum(nil)
	var sel [4]byte
	copy(sel[:], sum[:4])
	return sel
}

// Topic returns the 32-byte event topic (keccak256 of the event
// signature) for an event such as "Transfer(address,address,uint256)".
func Topic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// TransferTopic0 is the well-known ERC-20 Transfer event topic.
var TransferTopic0 = Topic("Transfer(address,address,uint256)")

// EncodeAddressCall encodes a "selector(address)"-shaped call, e.g.
// balanceOf(address).
func EncodeAddressCall(signature, address string) (string, error) {
	sel := Selector(signature)
	addrWord, err := padAddress(address)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sel[:]) + addrWord, nil
}

// EncodeNoArgCall encodes a "selector()"-shaped call, e.g. decimals().
func EncodeNoArgCall(signature string) string {
	sel := Selector(signature)
	return "0x" + hex.EncodeToString(sel[:])
}

func padAddress(address string) (string, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if len(s) != 40 {
		return "", fmt.Errorf("invalid address %q for ABI encoding", address)
	}
	return strings.Repeat("0", 24) + strings.ToLower(s), nil
}

// TopicAddress left-pads an address into the 32-byte topic form used in
// getLogs indexed-parameter filters.
func TopicAddress(address string) (string, error) {
	padded, err := padAddress(address)
	if err != nil {
		return "", err
	}
	return "0x" + padded, nil
}

// AddressFromTopic extracts the lower 20 bytes of a 32-byte topic word,
// returning a lowercase 0x-prefixed address.
func AddressFromTopic(topic string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(topic, "0x"), "0X")
	if len(s) < 40 {
		return "0x" + s
	}
	return "0x" + strings.ToLower(s[len(s)-40:])
}

// DecodeUint256 decodes a single uint256 return value (e.g. from
// balanceOf) from a 0x-prefixed hex string.
func DecodeUint256(hexData string) (*big.Int, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(hexData, "0x"), "0X")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("decode uint256 from %q", hexData)
	}
	return v, nil
}

// DecodeStringOrBytes32 decodes an ABI-encoded dynamic `string` return, or
// falls back to interpreting the raw bytes as a bytes32 (some legacy
// tokens like MKR return symbol()/name() as bytes32, not string).
func DecodeStringOrBytes32(hexData string) (string, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(hexData, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) == 32 {
		return strings.TrimRight(string(trimNulls(raw)), "\x00"), nil
	}
	if len(raw) < 64 {
		return "", fmt.Errorf("string return too short: %d bytes", len(raw))
	}
	// Dynamic string ABI layout: [offset(32)][length(32)][data...]
	length := new(big.Int).SetBytes(raw[32:64]).Int64()
	if int64(len(raw)) < 64+length {
		return "", fmt.Errorf("string return truncated")
	}
	return string(raw[64 : 64+length]), nil
}

func trimNulls(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
