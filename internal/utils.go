package internal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"runtime"
)

const LinuxConfigDir = "/etc/laura-camera-client"

// GetBinaryDir returns the directory the service keeps its config and logs in
// when no explicit path is given.
func GetBinaryDir() string {
	if runtime.GOOS == "windows" {
		return "C:\\HeySalad\\LauraCameraClient"
	}
	currentDir, _ := os.Getwd()
	return currentDir
}

func newGCM(key string) (cipher.AEAD, error) {
	keyBytes := []byte(key)
	if len(keyBytes) != 32 {
		return nil, errors.New("key must be 32 bytes")
	}
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString seals text with AES-256-GCM and returns nonce+ciphertext as URL-safe base64.
func EncryptString(key, text string) (string, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := aesGCM.Seal(nonce, nonce, []byte(text), nil)
	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func DecryptString(key, text string) (string, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}
	textBytes, err := base64.URLEncoding.DecodeString(text)
	if err != nil {
		return "", err
	}
	nonceSize := aesGCM.NonceSize()
	if len(textBytes) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := textBytes[:nonceSize], textBytes[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
