package storage

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes. Block numbers use fixed-width %020d so lexicographic order
// matches numeric order for range scans.
const (
	prefixTx       = "/data/tx/"
	prefixBlockIdx = "/index/blk/"
)

func datasetID(chain string, contract common.Address) string {
	return chain + "/" + strings.ToLower(contract.Hex())
}

// TxKey returns the key for a transaction record.
// Format: /data/tx/{chain}/{contract}/{hash}
func TxKey(chain string, contract common.Address, hash common.Hash) []byte {
	return []byte(prefixTx + datasetID(chain, contract) + "/" + hash.Hex())
}

// TxPrefix returns the key prefix covering a (contract, chain) dataset.
func TxPrefix(chain string, contract common.Address) []byte {
	return []byte(prefixTx + datasetID(chain, contract) + "/")
}

// BlockIndexKey returns the secondary index key mapping a block number to a
// transaction hash.
// Format: /index/blk/{chain}/{contract}/{block:%020d}/{hash}
func BlockIndexKey(chain string, contract common.Address, block uint64, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixBlockIdx, datasetID(chain, contract), block, hash.Hex()))
}

// BlockIndexRange returns the [start, end) key bounds covering the inclusive
// block range [fromBlock, toBlock] in the secondary index.
func BlockIndexRange(chain string, contract common.Address, fromBlock, toBlock uint64) (start, end []byte) {
	base := prefixBlockIdx + datasetID(chain, contract) + "/"
	start = []byte(fmt.Sprintf("%s%020d/", base, fromBlock))
	end = []byte(fmt.Sprintf("%s%020d/", base, toBlock+1))
	return start, end
}

// ParseBlockIndexKey extracts the transaction hash from a block index key.
func ParseBlockIndexKey(key []byte) (common.Hash, error) {
	parts := strings.Split(string(key), "/")
	if len(parts) < 2 {
		return common.Hash{}, fmt.Errorf("malformed block index key: %s", key)
	}
	return common.HexToHash(parts[len(parts)-1]), nil
}
