package mdip

import (
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
)

// DIDSuffix returns the CID portion of a DID (the text after the last colon).
func DIDSuffix(did string) string {
	if i := strings.LastIndex(did, ":"); i >= 0 {
		return did[i+1:]
	}
	return did
}

// IsValidDID reports whether s is a syntactically valid DID whose suffix parses as a CID.
func IsValidDID(s string) bool {
	if !strings.HasPrefix(s, "did:") {
		return false
	}
	if _, err := syntax.ParseDID(s); err != nil {
		return false
	}
	_, err := cid.Decode(DIDSuffix(s))
	return err == nil
}

// GenerateDID derives the DID of a create operation from its content hash.
// mdip.prefix takes precedence over defaultPrefix.
func GenerateDID(op Operation, defaultPrefix string) (string, error) {
	c, err := GenerateCID(op)
	if err != nil {
		return "", err
	}
	prefix := defaultPrefix
	if create, ok := op.(*CreateOp); ok && create.Mdip != nil && create.Mdip.Prefix != "" {
		prefix = create.Mdip.Prefix
	}
	return prefix + ":" + c, nil
}
