// Package sigverify dispatches signature verification across script kinds.
//
// The core treats signature scheme internals as an external collaborator
// (design note 9.2): it never implements a scheme itself beyond the one
// classical verifier below, but it does own the dispatch table so a block
// validator can call a single verify(script_pubkey, sig_material, tx_digest)
// capability regardless of which scheme a given output locks to.
package sigverify

import (
	"errors"

	"github.com/klingnet-core/klingnet/pkg/crypto"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// ErrUnsupportedScriptKind is returned by dispatch targets this corpus has no
// concrete verifier for.
var ErrUnsupportedScriptKind = errors.New("sigverify: unsupported script kind")

// Verifier checks a signature against a digest and a script_pubkey payload.
type Verifier interface {
	Verify(digest, sigMaterial, scriptData []byte) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(digest, sigMaterial, scriptData []byte) (bool, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(digest, sigMaterial, scriptData []byte) (bool, error) {
	return f(digest, sigMaterial, scriptData)
}

// classicalVerifier dispatches to the secp256k1/Schnorr oracle in pkg/crypto.
// scriptData is the 20-byte public key hash the output locks to; sigMaterial is
// signature || compressed_pubkey, the shape pkg/tx already signs with.
var classicalVerifier = VerifierFunc(func(digest, sigMaterial, scriptData []byte) (bool, error) {
	if len(sigMaterial) < 33 {
		return false, nil
	}
	sig := sigMaterial[:len(sigMaterial)-33]
	pubKey := sigMaterial[len(sigMaterial)-33:]
	addr := crypto.AddressFromPubKey(pubKey)
	if len(scriptData) != types.AddressSize || !bytesEqual(addr[:], scriptData) {
		return false, nil
	}
	return crypto.VerifySignature(digest, sig, pubKey), nil
})

// unsupportedVerifier always fails with ErrUnsupportedScriptKind. It exists so
// P2PKH_PQ and Multisig are dispatchable ScriptKind values today — wiring a
// concrete verifier later is a matter of replacing this entry, not restructuring
// the dispatch table. No post-quantum or threshold-signature library is present
// anywhere in the retrieved corpus, so there is nothing to ground a real
// implementation on yet.
var unsupportedVerifier = VerifierFunc(func(_, _, _ []byte) (bool, error) {
	return false, ErrUnsupportedScriptKind
})

// Dispatch selects the Verifier for a ScriptType tag.
func Dispatch(kind types.ScriptType) Verifier {
	switch kind {
	case types.ScriptTypeP2PKHClassical:
		return classicalVerifier
	case types.ScriptTypeP2PKHPQ, types.ScriptTypeMultisig:
		return unsupportedVerifier
	default:
		return unsupportedVerifier
	}
}

// Verify is a convenience wrapper around Dispatch(kind).Verify.
func Verify(kind types.ScriptType, digest, sigMaterial, scriptData []byte) (bool, error) {
	return Dispatch(kind).Verify(digest, sigMaterial, scriptData)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
