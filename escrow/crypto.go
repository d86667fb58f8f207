package escrow

import (
	"encoding/hex"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"liquidswap/lifecycle"
)

// Party addresses are compressed secp256k1 public keys in hex. Actions are
// authorized by 65-byte recoverable signatures over a keccak digest binding
// the action and the escrow id, so a signature for one escrow or action can
// never authorize another.

// ReleaseDigest is the message a party signs to authorize release.
func ReleaseDigest(id uuid.UUID) []byte {
	return ethcrypto.Keccak256([]byte("liquidswap/escrow/release|" + id.String()))
}

// RefundDigest is the message a party signs to authorize refund.
func RefundDigest(id uuid.UUID) []byte {
	return ethcrypto.Keccak256([]byte("liquidswap/escrow/refund|" + id.String()))
}

// ResolveDigest is the message the arbiter signs to resolve a dispute. The
// winner is part of the digest so the signature commits to the outcome.
func ResolveDigest(id uuid.UUID, winner string) []byte {
	return ethcrypto.Keccak256([]byte("liquidswap/escrow/resolve|" + id.String() + "|" + winner))
}

// recoverSigner recovers the compressed public key (hex) that produced the
// signature over the digest.
func recoverSigner(digest []byte, sigHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return "", lifecycle.Wrap(lifecycle.KindSignature, lifecycle.CodeIncompleteSignature, err, "signature is not valid hex")
	}
	if len(raw) != 65 {
		return "", lifecycle.New(lifecycle.KindSignature, lifecycle.CodeIncompleteSignature, "signature must be 65 bytes, got %d", len(raw))
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return "", lifecycle.Wrap(lifecycle.KindSignature, lifecycle.CodeIncompleteSignature, err, "signature recovery failed")
	}
	return hex.EncodeToString(ethcrypto.CompressPubkey(pub)), nil
}

// verifySigner checks that sigHex over digest recovers to expectedPubKey.
func verifySigner(digest []byte, sigHex, expectedPubKey string) error {
	recovered, err := recoverSigner(digest, sigHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, strings.TrimSpace(expectedPubKey)) {
		return lifecycle.New(lifecycle.KindAuthorization, lifecycle.CodeUnauthorized, "signature does not match required key")
	}
	return nil
}
