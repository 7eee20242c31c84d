package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/hitushen/fnshortcut/internal/fsutil"
	"github.com/hitushen/fnshortcut/internal/models"
)

// 密码派生参数。
const (
	kdfIterations = 1000
	kdfKeyLen     = 64
	saltLen       = 16

	// MinPasswordLen 是注册时允许的最短密码长度。
	MinPasswordLen = 6
)

var (
	// ErrPasswordTooShort 表示注册密码长度不足。
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	// ErrAlreadyRegistered 表示管理员密码已存在。
	ErrAlreadyRegistered = errors.New("credential already registered")
	// ErrNotRegistered 表示尚未设置管理员密码。
	ErrNotRegistered = errors.New("credential not registered")
	// ErrInvalidPassword 表示密码校验失败。
	ErrInvalidPassword = errors.New("invalid password")
)

// CredentialStore 以 JSON 文件持久化唯一的管理员凭证。
type CredentialStore struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewCredentialStore 创建指向 path 的凭证存储。
func NewCredentialStore(path string, logger zerolog.Logger) *CredentialStore {
	return &CredentialStore{path: path, logger: logger}
}

// Load 读取已保存的凭证；未注册或读取失败时返回 nil。
func (s *CredentialStore) Load() *models.CredentialRecord {
	var rec models.CredentialRecord
	ok, err := fsutil.LoadJSON(s.path, &rec)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("load credential failed")
		return nil
	}
	if !ok || rec.Hash == "" || rec.Salt == "" {
		return nil
	}
	return &rec
}

// Registered 判断是否已经设置管理员密码。
func (s *CredentialStore) Registered() bool {
	return s.Load() != nil
}

// Save 原子写入凭证，首次使用时以 0700 创建父目录。
func (s *CredentialStore) Save(rec models.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

func (s *CredentialStore) saveLocked(rec models.CredentialRecord) error {
	if err := fsutil.SaveJSON(s.path, rec, 0o600, 0o700); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("save credential failed")
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Register 校验密码长度并在未注册时写入新的凭证。
// 检查、派生与写入在同一把锁内完成，并发注册只有一个成功。
func (s *CredentialStore) Register(password string) error {
	if len(password) < MinPasswordLen {
		return ErrPasswordTooShort
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Load() != nil {
		return ErrAlreadyRegistered
	}
	rec, err := HashPassword(password, nil)
	if err != nil {
		return err
	}
	return s.saveLocked(rec)
}

// Check 使用已保存的凭证校验密码。
func (s *CredentialStore) Check(password string) error {
	rec := s.Load()
	if rec == nil {
		return ErrNotRegistered
	}
	if !VerifyPassword(password, *rec) {
		return ErrInvalidPassword
	}
	return nil
}

// Reset 删除凭证文件，使系统回到未注册状态。
func (s *CredentialStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset credential: %w", err)
	}
	return nil
}

// HashPassword 使用 PBKDF2-SHA512 派生密码哈希，salt 为空时随机生成。
func HashPassword(password string, salt []byte) (models.CredentialRecord, error) {
	if len(salt) == 0 {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return models.CredentialRecord{}, fmt.Errorf("generate salt: %w", err)
		}
	}
	// 盐以十六进制字符串参与派生，与既有 password.json 兼容。
	saltHex := hex.EncodeToString(salt)
	sum := pbkdf2.Key([]byte(password), []byte(saltHex), kdfIterations, kdfKeyLen, sha512.New)
	return models.CredentialRecord{Salt: saltHex, Hash: hex.EncodeToString(sum)}, nil
}

// VerifyPassword 以记录中的盐重新派生并做常量时间比较。
func VerifyPassword(password string, rec models.CredentialRecord) bool {
	want, err := hex.DecodeString(rec.Hash)
	if err != nil || len(want) == 0 {
		return false
	}
	sum := pbkdf2.Key([]byte(password), []byte(rec.Salt), kdfIterations, len(want), sha512.New)
	return subtle.ConstantTimeCompare(sum, want) == 1
}
