// Package certificate verifies the signature block of a Fridge-tag export.
package certificate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/sigurn/crc16"

	"github.com/resident-x/go-fridgetag/internal/domain"
)

// Verification schemes.
const (
	SchemeCRC16 = "crc16-ccitt"
	SchemeECDSA = "ecdsa-p256-sha256"
)

const (
	// CRC-16/CCITT-FALSE parameters.
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF

	coordinateSize = 32
)

var crcTable = crc16.MakeTable(crc16.Params{
	Poly:   crcPolynomial,
	Init:   crcInitial,
	RefIn:  false,
	RefOut: false,
	XorOut: 0,
})

// Result is the outcome of a verification.
type Result struct {
	Valid  bool
	Scheme string
	Reason string
}

// Verify checks the certificate signature against the signed bytes of the export. A
// four-digit hex signature is a CRC-16 checksum; anything longer is an ECDSA P-256
// signature made with the certificate's public key.
func Verify(cert *domain.CertificateData, signed []byte) Result {
	if cert == nil {
		return Result{Reason: "missing certificate"}
	}

	sig := strings.TrimSpace(cert.Signature)
	if sig == "" {
		return Result{Reason: "missing signature"}
	}

	if len(sig) == 4 {
		return verifyCRC(sig, signed)
	}
	return verifyECDSA(cert.PublicKey, sig, signed)
}

// Apply verifies the certificate and records the outcome on it.
func Apply(cert *domain.CertificateData, signed []byte) Result {
	res := Verify(cert, signed)
	if cert != nil {
		cert.Valid = res.Valid
		cert.Scheme = res.Scheme
		cert.Reason = res.Reason
	}
	return res
}

// Checksum returns the CRC-16/CCITT-FALSE checksum of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

func verifyCRC(sig string, signed []byte) Result {
	res := Result{Scheme: SchemeCRC16}

	want, err := strconv.ParseUint(sig, 16, 16)
	if err != nil {
		res.Reason = fmt.Sprintf("signature %q is not a hex checksum", sig)
		return res
	}

	got := Checksum(signed)
	if uint16(want) != got {
		res.Reason = fmt.Sprintf("checksum mismatch: signature %04X, content %04X", want, got)
		return res
	}

	res.Valid = true
	return res
}

func verifyECDSA(publicKey, sig string, signed []byte) Result {
	res := Result{Scheme: SchemeECDSA}

	pub, err := parsePublicKey(publicKey)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		res.Reason = "signature is not hex encoded"
		return res
	}

	digest := sha256.Sum256(signed)

	var ok bool
	if len(sigBytes) == 2*coordinateSize {
		r := new(big.Int).SetBytes(sigBytes[:coordinateSize])
		s := new(big.Int).SetBytes(sigBytes[coordinateSize:])
		ok = ecdsa.Verify(pub, digest[:], r, s)
	} else {
		ok = ecdsa.VerifyASN1(pub, digest[:], sigBytes)
	}
	if !ok {
		res.Reason = "signature does not match content"
		return res
	}

	res.Valid = true
	return res
}

// parsePublicKey reads a hex P-256 point, uncompressed ("04" || X || Y) or bare X || Y.
func parsePublicKey(s string) (*ecdsa.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("missing public key")
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key is not hex encoded")
	}

	switch {
	case len(raw) == 1+2*coordinateSize && raw[0] == 0x04:
		raw = raw[1:]
	case len(raw) == 2*coordinateSize:
	default:
		return nil, fmt.Errorf("unsupported public key length %d", len(raw))
	}

	curve := elliptic.P256()
	x := new(big.Int).SetBytes(raw[:coordinateSize])
	y := new(big.Int).SetBytes(raw[coordinateSize:])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("public key is not a P-256 point")
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
