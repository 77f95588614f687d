package internal

import (
	"fmt"
	"os"
	"sort"
)

// SecretManager resolves credential references. A reference is looked up in the
// decrypted config secrets first, then in the environment, and is otherwise
// used as the literal value.
type SecretManager struct {
	Key     string
	Secrets map[string]string // decrypted
}

func NewSecretManager(key string) *SecretManager {
	return &SecretManager{Key: key, Secrets: map[string]string{}}
}

// LoadEncryptedSecrets decrypts every value with the manager key. Secrets that
// fail to decrypt are skipped and reported together.
func (sm *SecretManager) LoadEncryptedSecrets(secrets map[string]string) error {
	var failed []string
	for name, v := range secrets {
		plain, err := DecryptString(sm.Key, v)
		if err != nil {
			failed = append(failed, name)
			continue
		}
		sm.Secrets[name] = plain
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("can't decrypt secrets %v", failed)
	}
	return nil
}

// LoadSecrets loads plain text secrets.
func (sm *SecretManager) LoadSecrets(secrets map[string]string) {
	for k, v := range secrets {
		sm.Secrets[k] = v
	}
}

func (sm *SecretManager) GetSecret(ref string) string {
	if secret, ok := sm.Secrets[ref]; ok {
		return secret
	}
	if secret := os.Getenv(ref); secret != "" {
		return secret
	}
	return ref
}

func (sm *SecretManager) GetEncryptedSecrets() (map[string]string, error) {
	encrypted := make(map[string]string, len(sm.Secrets))
	for k, v := range sm.Secrets {
		cipherText, err := EncryptString(sm.Key, v)
		if err != nil {
			return nil, err
		}
		encrypted[k] = cipherText
	}
	return encrypted, nil
}
