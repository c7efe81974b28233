package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	exportHeader  = "-----BEGIN MEGOLM SESSION DATA-----"
	exportFooter  = "-----END MEGOLM SESSION DATA-----"
	exportVersion = 1
	exportLineLen = 96
	// maxExportRounds bounds the PBKDF2 work an imported file can ask for.
	maxExportRounds = 10000000
)

var (
	ErrExportFormat     = errors.New("crypto: malformed key export")
	ErrExportPassphrase = errors.New("crypto: wrong passphrase for key export")
)

func exportKeys(passphrase string, salt []byte, rounds int) (aesKey, macKey []byte) {
	k := pbkdf2.Key([]byte(passphrase), salt, rounds, 64, sha512.New)
	return k[:32], k[32:]
}

// EncryptKeyExport encrypts a JSON array of exported room keys into the armored export format.
func EncryptKeyExport(plaintext []byte, passphrase string, rounds int) ([]byte, error) {
	if rounds <= 0 || rounds > maxExportRounds {
		return nil, fmt.Errorf("crypto: export rounds must be in 1..%d, got %d", maxExportRounds, rounds)
	}
	salt := RandomBytes(16)
	iv := RandomBytes(16)
	// the counter half of the iv starts with a clear top bit so it cannot wrap
	iv[8] &= 0x7f
	aesKey, macKey := exportKeys(passphrase, salt, rounds)
	ct, err := ctr(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}
	body := []byte{exportVersion}
	body = append(body, salt...)
	body = append(body, iv...)
	body = binary.BigEndian.AppendUint32(body, uint32(rounds))
	body = append(body, ct...)
	body = append(body, HMACSHA256(macKey, body)...)

	enc := base64.StdEncoding.EncodeToString(body)
	out := &bytes.Buffer{}
	out.WriteString(exportHeader)
	out.WriteByte('\n')
	for i := 0; i < len(enc); i += exportLineLen {
		end := i + exportLineLen
		if end > len(enc) {
			end = len(enc)
		}
		out.WriteString(enc[i:end])
		out.WriteByte('\n')
	}
	out.WriteString(exportFooter)
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func DecryptKeyExport(armored []byte, passphrase string) ([]byte, error) {
	s := strings.TrimSpace(string(armored))
	if !strings.HasPrefix(s, exportHeader) || !strings.HasSuffix(s, exportFooter) {
		return nil, fmt.Errorf("%w: missing armor", ErrExportFormat)
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, exportHeader), exportFooter)
	body, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExportFormat, err)
	}
	if len(body) < 1+16+16+4+32 {
		return nil, fmt.Errorf("%w: too short", ErrExportFormat)
	}
	if body[0] != exportVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrExportFormat, body[0])
	}
	salt := body[1:17]
	iv := body[17:33]
	rounds := binary.BigEndian.Uint32(body[33:37])
	if rounds == 0 || rounds > maxExportRounds {
		return nil, fmt.Errorf("%w: %d rounds", ErrExportFormat, rounds)
	}
	ct := body[37 : len(body)-32]
	mac := body[len(body)-32:]
	aesKey, macKey := exportKeys(passphrase, salt, int(rounds))
	if !hmac.Equal(HMACSHA256(macKey, body[:len(body)-32]), mac) {
		return nil, ErrExportPassphrase
	}
	return ctr(aesKey, iv, ct)
}
