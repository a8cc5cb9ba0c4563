package mdip

import (
	"encoding/base64"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// JSON Web Key form of a secp256k1 public key.
type PublicJwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type uncompressedKey interface {
	UncompressedBytes() []byte
}

// NewPublicJwk converts a K-256 public key to its JWK representation.
func NewPublicJwk(pub atcrypto.PublicKey) (*PublicJwk, error) {
	uk, ok := pub.(uncompressedKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", pub)
	}
	raw := uk.UncompressedBytes()
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("unexpected uncompressed key length: %d", len(raw))
	}
	return &PublicJwk{
		Kty: "EC",
		Crv: "secp256k1",
		X:   base64.RawURLEncoding.EncodeToString(raw[1:33]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[33:65]),
	}, nil
}

// PublicKey parses the JWK back into a verifiable K-256 public key.
func (jwk *PublicJwk) PublicKey() (atcrypto.PublicKey, error) {
	if jwk == nil {
		return nil, fmt.Errorf("missing public key")
	}
	if jwk.Kty != "EC" || jwk.Crv != "secp256k1" {
		return nil, fmt.Errorf("unsupported key: kty=%s crv=%s", jwk.Kty, jwk.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("invalid x coordinate: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid y coordinate: %w", err)
	}
	if len(x) != 32 || len(y) != 32 {
		return nil, fmt.Errorf("invalid coordinate length")
	}
	raw := make([]byte, 0, 65)
	raw = append(raw, 0x04)
	raw = append(raw, x...)
	raw = append(raw, y...)
	pub, err := atcrypto.ParsePublicUncompressedBytesK256(raw)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
