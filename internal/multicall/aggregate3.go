package multicall

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/kodax/walletsnap/internal/abi"
)

// aggregate3Selector is the Multicall3 selector for
// aggregate3((address,bool,bytes)[]) returning (bool,bytes)[].
var aggregate3Selector = abi.Selector("aggregate3((address,bool,bytes)[])")

type aggregateEntry struct {
	success    bool
	returnData string
}

// encodeAggregate3 ABI-encodes the call as a dynamic array of
// Call3{target, allowFailure=true, callData} tuples.
func encodeAggregate3(batch []Call) (string, error) {
	var head, tail strings.Builder

	n := len(batch)
	// offset to the dynamic array data, measured in 32-byte words after
	// the single top-level argument slot.
	head.WriteString(wordUint(32))
	tail.WriteString(wordUint(uint64(n)))

	// Each tuple is itself dynamic (contains bytes), so the array body
	// is: n head words (offsets relative to the start of array data)
	// followed by each tuple's encoding.
	tupleOffsets := make([]uint64, n)
	var bodies strings.Builder
	cursor := uint64(n) * 32
	for i, c := range batch {
		tupleOffsets[i] = cursor
		body, err := encodeCall3Tuple(c)
		if err != nil {
			return "", fmt.Errorf("multicall: encode call %d: %w", i, err)
		}
		bodies.WriteString(body)
		cursor += uint64(len(body)) / 2
	}

	var arrayHeads strings.Builder
	for _, off := range tupleOffsets {
		arrayHeads.WriteString(wordUint(off))
	}

	return "0x" + hex.EncodeToString(aggregate3Selector[:]) +
		head.String() + tail.String() + arrayHeads.String() + bodies.String(), nil
}

// encodeCall3Tuple encodes one (address target, bool allowFailure,
// bytes callData) tuple, returning its hex body (no 0x prefix).
func encodeCall3Tuple(c Call) (string, error) {
	addrWord, err := padAddressHex(c.Target)
	if err != nil {
		return "", err
	}
	data := strings.TrimPrefix(strings.TrimPrefix(c.CallData, "0x"), "0X")
	dataBytes, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("invalid call data hex: %w", err)
	}

	// head: target(32) + allowFailure(32) + offset-to-bytes(32)
	var b strings.Builder
	b.WriteString(addrWord)
	b.WriteString(wordUint(1)) // allowFailure = true
	b.WriteString(wordUint(96))
	b.WriteString(wordUint(uint64(len(dataBytes))))
	b.WriteString(hex.EncodeToString(dataBytes))
	b.WriteString(padToWordBoundary(len(dataBytes)))
	return b.String(), nil
}

// decodeAggregate3 decodes a (bool,bytes)[] return value into n
// entries.
func decodeAggregate3(hexData string, n int) ([]aggregateEntry, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(hexData, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) < 64 {
		return nil, fmt.Errorf("aggregate3 return too short")
	}
	arrayOffset := new(big.Int).SetBytes(raw[0:32]).Int64()
	if int64(len(raw)) < arrayOffset+32 {
		return nil, fmt.Errorf("aggregate3 return truncated at array length")
	}
	count := new(big.Int).SetBytes(raw[arrayOffset : arrayOffset+32]).Int64()
	if count != int64(n) {
		return nil, fmt.Errorf("aggregate3 returned %d entries, expected %d", count, n)
	}

	arrayBody := raw[arrayOffset+32:]
	entries := make([]aggregateEntry, n)
	for i := 0; i < n; i++ {
		wordStart := i * 32
		if wordStart+32 > len(arrayBody) {
			return nil, fmt.Errorf("aggregate3 entry %d: truncated head", i)
		}
		tupleOffset := new(big.Int).SetBytes(arrayBody[wordStart : wordStart+32]).Int64()
		if tupleOffset+64 > int64(len(arrayBody)) {
			return nil, fmt.Errorf("aggregate3 entry %d: truncated tuple", i)
		}
		tuple := arrayBody[tupleOffset:]
		success := tuple[31] != 0
		bytesOffset := new(big.Int).SetBytes(tuple[32:64]).Int64()
		if bytesOffset+32 > int64(len(tuple)) {
			return nil, fmt.Errorf("aggregate3 entry %d: truncated bytes offset", i)
		}
		length := new(big.Int).SetBytes(tuple[bytesOffset : bytesOffset+32]).Int64()
		start := bytesOffset + 32
		if start+length > int64(len(tuple)) {
			return nil, fmt.Errorf("aggregate3 entry %d: truncated bytes data", i)
		}
		entries[i] = aggregateEntry{
			success:    success,
			returnData: "0x" + hex.EncodeToString(tuple[start:start+length]),
		}
	}
	return entries, nil
}

func padAddressHex(address string) (string, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if len(s) != 40 {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return strings.Repeat("0", 24) + strings.ToLower(s), nil
}

func wordUint(v uint64) string {
	b := make([]byte, 32)
	bv := big.NewInt(0).SetUint64(v)
	bv.FillBytes(b)
	return hex.EncodeToString(b)
}

func padToWordBoundary(byteLen int) string {
	rem := byteLen % 32
	if rem == 0 {
		return ""
	}
	return strings.Repeat("0", (32-rem)*2)
}

func unmarshalJSONString(raw []byte, dst *string) error {
	return json.Unmarshal(raw, dst)
}
