package protocol

// FECSchemeID identifies the erasure code a block was encoded with.
// It is carried in every packet header.
type FECSchemeID byte

const (
	// ReedSolomonFECScheme tolerates the loss of up to m symbols per block.
	ReedSolomonFECScheme FECSchemeID = 1
	// XORFECScheme adds a single parity symbol. Blocks encoded with it have at
	// most one repair symbol.
	XORFECScheme FECSchemeID = 2
)

func (f FECSchemeID) String() string {
	switch f {
	case XORFECScheme:
		return "XOR"
	case ReedSolomonFECScheme:
		return "ReedSolomon"
	default:
		return "unknown"
	}
}

// Valid reports whether f names a known scheme.
func (f FECSchemeID) Valid() bool {
	return f == ReedSolomonFECScheme || f == XORFECScheme
}

// MaxRepairSymbols returns the largest repair count the scheme can produce.
func (f FECSchemeID) MaxRepairSymbols() int {
	if f == XORFECScheme {
		return 1
	}
	return MaxSymbolsPerBlock - 1
}
