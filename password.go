package e2ee

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// newKey stretches password into a 32 byte database key. The salt is created on first use and kept
// next to the database, so the same password always yields the same key for one root.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadSalt(saltPath string) ([]byte, error) {
	salt, err := os.ReadFile(saltPath) // #nosec G304
	if err == nil {
		if len(salt) != saltLen {
			return nil, fmt.Errorf("e2ee: expected %d bytes of salt, got %d", saltLen, len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	salt = make([]byte, saltLen)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Printf("error while closing %#v", closeErr)
		}
		return nil, err
	}
	return salt, f.Close()
}
