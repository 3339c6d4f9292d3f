package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fixdesk/internal/crypto/clientcrypto"
	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/model"
)

const (
	tokenFile    = "token.enc"
	stateFile    = "session.json"
	deviceFile   = "device.key"
	saltFile     = "store.salt"
	dirPerm      = 0o700
	secretPerm   = 0o600
	tokenAAD     = "fixdesk/token/v1"
	tokenPurpose = "fixdesk/token"
)

// stateDoc is the plain (non-secret) part of the session on disk.
type stateDoc struct {
	User         *model.User `json:"user,omitempty"`
	LastActiveAt *time.Time  `json:"last_active_at,omitempty"`
	LastUsername string      `json:"last_username,omitempty"`
}

// File is a Store backed by a private directory. The token is sealed with
// XChaCha20-Poly1305 under a key derived from a per-device random key, or from
// a passphrase when one is configured.
type File struct {
	dir        string
	passphrase []byte
	log        *zap.Logger

	mu  sync.Mutex
	key []byte
}

var _ Store = (*File)(nil)

// NewFile constructs a file store rooted at dir. An empty passphrase selects the device key.
func NewFile(dir string, passphrase string, log *zap.Logger) *File {
	if log == nil {
		log = zap.NewNop()
	}
	var pp []byte
	if passphrase != "" {
		pp = []byte(passphrase)
	}
	return &File{dir: dir, passphrase: pp, log: log.Named("tokenstore")}
}

// DefaultDir returns the per-user state directory for the client.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "fixdesk")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fixdesk")
}

// Save writes the sealed token first, then the plain state; a failed second
// write removes the token again so no half-written session is observable.
func (f *File) Save(ctx context.Context, token string, user model.User, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		f.log.Warn("save skipped", zap.Error(err))
		return false
	}
	if err := f.writeToken(token); err != nil {
		f.log.Warn("save token", zap.Error(err))
		return false
	}
	u := user
	doc := stateDoc{User: &u, LastActiveAt: &at, LastUsername: user.Username}
	if err := f.writeState(doc); err != nil {
		f.log.Warn("save state", zap.Error(err))
		_ = removeIfExists(f.path(tokenFile))
		return false
	}
	return true
}

// Touch rewrites lastActiveAt, keeping the rest of the state.
func (f *File) Touch(ctx context.Context, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false
	}
	doc, err := f.readState()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.log.Warn("touch: read state", zap.Error(err))
		doc = stateDoc{}
	}
	doc.LastActiveAt = &at
	if err := f.writeState(doc); err != nil {
		f.log.Warn("touch: write state", zap.Error(err))
		return false
	}
	return true
}

// Load returns the persisted subset. Unreadable pieces are reported as absent.
func (f *File) Load(ctx context.Context) Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	var snap Snapshot
	if ctx.Err() != nil {
		return snap
	}
	doc, err := f.readState()
	switch {
	case err == nil:
		snap.User = doc.User
		snap.LastActiveAt = doc.LastActiveAt
		snap.LastUsername = doc.LastUsername
	case !errors.Is(err, fs.ErrNotExist):
		f.log.Warn("load state", zap.Error(err))
	}

	tok, err := f.readToken()
	switch {
	case err == nil:
		snap.Token = tok
	case !errors.Is(err, fs.ErrNotExist):
		f.log.Warn("load token", zap.Error(err))
	}
	return snap
}

// Clear removes token, user and timestamp. The last username survives.
func (f *File) Clear(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := removeIfExists(f.path(tokenFile)); err != nil {
		f.log.Warn("clear token", zap.Error(err))
	}
	doc, err := f.readState()
	if err != nil || doc.LastUsername == "" {
		if err := removeIfExists(f.path(stateFile)); err != nil {
			f.log.Warn("clear state", zap.Error(err))
		}
		return
	}
	if err := f.writeState(stateDoc{LastUsername: doc.LastUsername}); err != nil {
		f.log.Warn("clear state", zap.Error(err))
		_ = removeIfExists(f.path(stateFile))
	}
}

func (f *File) path(name string) string { return filepath.Join(f.dir, name) }

func (f *File) writeToken(token string) error {
	key, err := f.tokenKey()
	if err != nil {
		return err
	}
	blob, err := clientcrypto.Seal(key, []byte(tokenAAD), []byte(token))
	if err != nil {
		return fmt.Errorf("%w: seal: %v", errs.ErrStorage, err)
	}
	return writeFileAtomic(f.path(tokenFile), blob)
}

func (f *File) readToken() (string, error) {
	blob, err := os.ReadFile(f.path(tokenFile))
	if err != nil {
		return "", err
	}
	key, err := f.tokenKey()
	if err != nil {
		return "", err
	}
	pt, err := clientcrypto.Open(key, []byte(tokenAAD), blob)
	if err != nil {
		return "", fmt.Errorf("%w: open token: %v", errs.ErrStorage, err)
	}
	return string(pt), nil
}

func (f *File) readState() (stateDoc, error) {
	var doc stateDoc
	b, err := os.ReadFile(f.path(stateFile))
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return stateDoc{}, fmt.Errorf("%w: decode state: %v", errs.ErrStorage, err)
	}
	return doc, nil
}

func (f *File) writeState(doc stateDoc) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.path(stateFile), b)
}

// tokenKey derives (once) the token sealing key. Callers hold f.mu.
func (f *File) tokenKey() ([]byte, error) {
	if f.key != nil {
		return f.key, nil
	}
	var master []byte
	if f.passphrase != nil {
		salt, err := f.loadOrCreate(saltFile, clientcrypto.SaltLen)
		if err != nil {
			return nil, err
		}
		master = clientcrypto.DeriveKEK(f.passphrase, salt)
	} else {
		dk, err := f.loadOrCreate(deviceFile, clientcrypto.KeyLen)
		if err != nil {
			return nil, err
		}
		master = dk
	}
	key, err := clientcrypto.DeriveKey(master, []byte(tokenPurpose))
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", errs.ErrStorage, err)
	}
	f.key = key
	return key, nil
}

// loadOrCreate reads a random secret of size n, creating it on first use.
func (f *File) loadOrCreate(name string, n int) ([]byte, error) {
	p := f.path(name)
	b, err := os.ReadFile(p)
	if err == nil && len(b) == n {
		return b, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrStorage, name, err)
	}
	secret, err := clientcrypto.Rand(n)
	if err != nil {
		return nil, err
	}
	// A secret of the wrong size is replaced; anything sealed under it is lost.
	if err := writeFileAtomic(p, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// writeFileAtomic writes data to a temp file in the same directory and renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("%w: mkdir: %v", errs.ErrStorage, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", errs.ErrStorage, err)
	}
	defer func() {
		_ = tmp.Close()
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(secretPerm); err != nil {
		return fmt.Errorf("%w: chmod: %v", errs.ErrStorage, err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", errs.ErrStorage, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", errs.ErrStorage, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", errs.ErrStorage, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename: %v", errs.ErrStorage, err)
	}
	return nil
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
