package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Local はローカルファイルシステムにオブジェクトを保存します（開発環境用）。
type Local struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocal は Local ストレージを作成します。
func NewLocal(root, baseURL, secret string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}, nil
}

// Put はデータを保存し、参照キーを返します。
func (l *Local) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	full, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store object: %w", err)
	}
	return key, nil
}

// Get は保存済みデータを読み込みます。
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	full, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

// Open は /files 配信用にファイルを開きます。
func (l *Local) Open(key string) (*os.File, error) {
	full, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// SignedURL は有効期限付きのダウンロードURLを返します。
func (l *Local) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := l.resolve(key); err != nil {
		return "", err
	}
	expires := l.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", l.sign(key, expires))
	return fmt.Sprintf("%s/files/%s?%s", l.baseURL, escapeKey(key), q.Encode()), nil
}

// Verify は署名付きURLのパラメータを検証します。
func (l *Local) Verify(key, expiresRaw, sig string) bool {
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return false
	}
	if l.now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(l.sign(key, expires)))
}

func (l *Local) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Local) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
