// Package secrets issues and guards tenant external ids. The plaintext
// id leaves this package exactly twice: once to the caller at issuance,
// and once per launch to the execution backend.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/substratehq/substrate/pkg/crypto"
)

const externalIDBytes = 32

// Issuer mints external ids and seals them for storage.
type Issuer struct {
	sealer crypto.Sealer
}

// NewIssuer builds an Issuer from the sealing key material.
func NewIssuer(sealingKey string) (Issuer, error) {
	sealer, err := crypto.NewSealer(sealingKey)
	if err != nil {
		return Issuer{}, fmt.Errorf("init sealer: %w", err)
	}
	return Issuer{sealer: sealer}, nil
}

// Issue generates a fresh external id and returns both the plaintext,
// for the one-time response to the operator, and the sealed form for
// storage. The plaintext is never persisted.
func (i Issuer) Issue() (string, []byte, error) {
	raw := make([]byte, externalIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate external id: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(raw)
	sealed, err := i.sealer.Seal(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("seal external id: %w", err)
	}
	return plaintext, sealed, nil
}

// Reveal recovers the plaintext external id from its sealed form. Only
// the orchestrator calls this, at launch time; no API surface does.
func (i Issuer) Reveal(sealed []byte) (string, error) {
	plaintext, err := i.sealer.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open external id: %w", err)
	}
	return plaintext, nil
}

// TrustDocument renders the IAM trust policy a tenant attaches to the
// cross-account role. The external id condition stops anyone who knows
// only the role ARN from assuming it.
func TrustDocument(platformAccountID, externalID string) (json.RawMessage, error) {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{
			{
				"Effect": "Allow",
				"Principal": map[string]any{
					"AWS": fmt.Sprintf("arn:aws:iam::%s:root", platformAccountID),
				},
				"Action": "sts:AssumeRole",
				"Condition": map[string]any{
					"StringEquals": map[string]any{
						"sts:ExternalId": externalID,
					},
				},
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render trust document: %w", err)
	}
	return raw, nil
}
