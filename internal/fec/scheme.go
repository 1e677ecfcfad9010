package fec

// BlockFECScheme computes and consumes repair symbols for one block.
// shards holds the k source shards followed by the m repair shards, all of the same size.
type BlockFECScheme interface {
	// repairSymbols fills the m repair shards from the k source shards.
	repairSymbols(shards [][]byte, k, m int) error
	// recoverSymbols reconstructs the missing (nil) source shards in place. An error is returned if there aren't enough present shards to repair the missing ones.
	recoverSymbols(shards [][]byte, k, m int) error
}
