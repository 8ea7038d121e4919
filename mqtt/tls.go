// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// TLSOption adjusts the *tls.Config built by TLSConfig. Files are re-read on
// every connection attempt.
type TLSOption func(context.Context, *tls.Config) error

// TLSConfig builds a TLSConfigProvider from the given options, starting from
// a configuration requiring TLS 1.2 or newer.
func TLSConfig(opts ...TLSOption) TLSConfigProvider {
	return func(ctx context.Context) (*tls.Config, error) {
		config := &tls.Config{MinVersion: tls.VersionTLS12}
		for _, opt := range opts {
			if opt == nil {
				continue
			}
			if err := opt(ctx, config); err != nil {
				return nil, err
			}
		}
		return config, nil
	}
}

// WithX509 adds a client certificate and unencrypted private key.
func WithX509(certFile, keyFile string) TLSOption {
	return func(_ context.Context, config *tls.Config) error {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return &InvalidArgumentError{
				message: "error loading client certificate",
				wrapped: err,
			}
		}
		config.Certificates = append(config.Certificates, cert)
		return nil
	}
}

// WithEncryptedX509 adds a client certificate whose private key is encrypted
// with the password stored in passwordFile.
func WithEncryptedX509(certFile, keyFile, passwordFile string) TLSOption {
	return func(_ context.Context, config *tls.Config) error {
		cert, err := loadX509KeyPairWithPassword(
			certFile,
			keyFile,
			passwordFile,
		)
		if err != nil {
			return &InvalidArgumentError{
				message: "error loading encrypted client certificate",
				wrapped: err,
			}
		}
		config.Certificates = append(config.Certificates, cert)
		return nil
	}
}

// WithCA trusts the CA certificates in the given PEM file.
func WithCA(caFile string) TLSOption {
	return func(_ context.Context, config *tls.Config) error {
		pool, err := loadCACertPool(caFile)
		if err != nil {
			return &InvalidArgumentError{
				message: "error loading CA certificate",
				wrapped: err,
			}
		}
		config.RootCAs = pool
		return nil
	}
}

// WithInsecureSkipVerify disables server certificate verification.
func WithInsecureSkipVerify(skip bool) TLSOption {
	return func(_ context.Context, config *tls.Config) error {
		config.InsecureSkipVerify = skip // #nosec G402
		return nil
	}
}

func loadCACertPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// decryptPEMBlock decrypts a PEM block laid out as salt, nonce, then AES-GCM
// ciphertext, with the key derived by PBKDF2 over SHA3-256.
func decryptPEMBlock(block *pem.Block, password []byte) ([]byte, error) {
	if block == nil {
		return nil, errors.New("PEM block is nil")
	}
	if len(block.Bytes) < pemSaltSize {
		return nil, errors.New("PEM block is too short")
	}

	salt := block.Bytes[:pemSaltSize]
	key := pbkdf2.Key(password, salt, 10000, 32, sha3.New256)
	return aesGCMDecrypt(block.Bytes[pemSaltSize:], key)
}

func aesGCMDecrypt(encrypted, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(encrypted) < aesGcmNonce {
		return nil, errors.New("ciphertext in PEM block is too short")
	}
	nonce, ciphertext := encrypted[:aesGcmNonce], encrypted[aesGcmNonce:]

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func loadX509KeyPairWithPassword(
	certFile,
	keyFile,
	passFile string,
) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyFilePEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	password, err := os.ReadFile(passFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	encrypted, _ := pem.Decode(keyFilePEM)
	if encrypted == nil {
		return tls.Certificate{}, errors.New(
			"failed to decode PEM block containing private key",
		)
	}

	// x509.DecryptPEMBlock is deprecated and does not support this format.
	der, err := decryptPEMBlock(encrypted, password)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: encrypted.Type, Bytes: der})
	return tls.X509KeyPair(certPEM, keyPEM)
}
