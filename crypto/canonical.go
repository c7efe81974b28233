package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// CanonicalJSON re-encodes obj with sorted keys, no insignificant whitespace and no HTML escaping.
// The signatures and unsigned members of the top level object are dropped since they are never signed.
func CanonicalJSON(obj []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("crypto: error decoding json for signing: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		delete(m, "signatures")
		delete(m, "unsigned")
	}
	return encodeCanonical(v)
}

func encodeCanonical(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignJSON signs the canonical form of obj and returns the base64 signature.
func SignJSON(priv ed25519.PrivateKey, obj []byte) (string, error) {
	c, err := CanonicalJSON(obj)
	if err != nil {
		return "", err
	}
	return EncodeBase64(ed25519.Sign(priv, c)), nil
}

// VerifyJSON checks a base64 signature against the canonical form of obj.
func VerifyJSON(pub string, obj []byte, sig string) error {
	key, err := DecodeEd25519(pub)
	if err != nil {
		return err
	}
	s, err := DecodeBase64(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	c, err := CanonicalJSON(obj)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, c, s) {
		return ErrInvalidSignature
	}
	return nil
}

// Signatures is the signatures member of a signed object: user id -> "ed25519:<key id>" -> signature.
type Signatures map[string]map[string]string

// AddSignature signs obj and returns it with the signature merged into its signatures member.
func AddSignature(obj []byte, priv ed25519.PrivateKey, userID, keyID string) ([]byte, error) {
	sig, err := SignJSON(priv, obj)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("crypto: signed object is not a json object: %w", err)
	}
	sigs, _ := m["signatures"].(map[string]any)
	if sigs == nil {
		sigs = map[string]any{}
	}
	userSigs, _ := sigs[userID].(map[string]any)
	if userSigs == nil {
		userSigs = map[string]any{}
	}
	userSigs["ed25519:"+keyID] = sig
	sigs[userID] = userSigs
	m["signatures"] = sigs
	return encodeCanonical(m)
}

// ExtractSignature returns the signature made by userID with "ed25519:<keyID>", if any.
func ExtractSignature(obj []byte, userID, keyID string) (string, bool) {
	var holder struct {
		Signatures Signatures `json:"signatures"`
	}
	if err := json.Unmarshal(obj, &holder); err != nil {
		return "", false
	}
	s, ok := holder.Signatures[userID]["ed25519:"+keyID]
	return s, ok
}

// VerifySignedBy checks that obj carries a valid signature from userID with the given key.
func VerifySignedBy(obj []byte, userID, keyID, pub string) error {
	sig, ok := ExtractSignature(obj, userID, keyID)
	if !ok {
		return fmt.Errorf("%w: no signature by %s ed25519:%s", ErrInvalidSignature, userID, keyID)
	}
	return VerifyJSON(pub, obj, sig)
}
