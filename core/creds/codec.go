package creds

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type encodedFile struct {
	checksum string
	gzLen    int64
	b64      string
}

// encodeFile streams one file through sha256 and gzip. The checksum covers
// the plaintext; gzLen is the compressed size before base64 expansion.
func encodeFile(abs string) (encodedFile, error) {
	f, err := os.Open(abs)
	if err != nil {
		return encodedFile{}, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	hash := sha256.New()
	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := io.Copy(gw, io.TeeReader(f, hash)); err != nil {
		return encodedFile{}, fmt.Errorf("compress %s: %w", abs, err)
	}
	if err := gw.Close(); err != nil {
		return encodedFile{}, fmt.Errorf("finish gzip %s: %w", abs, err)
	}

	return encodedFile{
		checksum: hex.EncodeToString(hash.Sum(nil)),
		gzLen:    int64(gzBuf.Len()),
		b64:      base64.StdEncoding.EncodeToString(gzBuf.Bytes()),
	}, nil
}

// verifyEncoded decodes and decompresses an encoded file, comparing the
// plaintext sha256 against the expected hex digest.
func verifyEncoded(b64, expectedHex string) (bool, error) {
	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(b64))
	gz, err := gzip.NewReader(dec)
	if err != nil {
		return false, fmt.Errorf("gunzip: %w", err)
	}
	defer gz.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, gz); err != nil {
		return false, fmt.Errorf("gunzip read: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)) == expectedHex, nil
}

// decodeToTemp streams an encoded file into a temp file next to abs and
// returns the temp path plus the plaintext sha256. The caller renames or
// removes the temp file after checking the digest.
func decodeToTemp(abs, b64 string) (string, string, error) {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir %s: %w", filepath.Dir(abs), err)
	}
	tmp := fmt.Sprintf("%s.tmp-%d", abs, time.Now().UnixNano())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", "", fmt.Errorf("open %s: %w", tmp, err)
	}

	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(b64))
	gz, err := gzip.NewReader(dec)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", fmt.Errorf("gunzip: %w", err)
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, hash), gz); err != nil {
		gz.Close()
		f.Close()
		os.Remove(tmp)
		return "", "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", fmt.Errorf("finish gunzip: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("close %s: %w", tmp, err)
	}

	return tmp, hex.EncodeToString(hash.Sum(nil)), nil
}
