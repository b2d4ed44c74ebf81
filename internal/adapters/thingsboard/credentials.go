package thingsboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoToken = errors.New("thingsboard: no device token")

// CredentialsFile persists the device access token as a single line.
type CredentialsFile struct {
	Path string
}

func (f CredentialsFile) Load() (string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", ErrNoToken
	}
	token := strings.TrimSpace(sc.Text())
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (f CredentialsFile) Save(token string) error {
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(f.Path, []byte(token), 0o600)
}

// ObtainToken returns the stored token, provisioning and persisting a new one
// when the credentials file does not exist yet.
func ObtainToken(ctx context.Context, f CredentialsFile, provision func(context.Context) (string, error)) (string, error) {
	token, err := f.Load()
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	if provision == nil {
		return "", ErrNoToken
	}

	token, err = provision(ctx)
	if err != nil {
		return "", fmt.Errorf("provision device: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}
	if err := f.Save(token); err != nil {
		return "", fmt.Errorf("save credentials: %w", err)
	}
	return token, nil
}
