// Package config 环境变量读取
//
// 所有读取先看 KEY，再看 KEY_FILE（容器 secret 挂载），都为空时用默认值。
// 解析失败一律回退默认值，校验放到各服务自己的 Validate 里做。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const MinSecretLength = 32

var placeholderSecrets = map[string]struct{}{
	"dev-internal-token-change-me": {},
	"dev-admin-token-change-me":    {},
	"changeme":                     {},
	"saga-dev-token":               {},
}

var (
	ErrSecretTooShort    = errors.New("secret too short")
	ErrSecretPlaceholder = errors.New("secret is a dev placeholder")
)

// IsInsecureDevSecret 是否为已知的开发占位密钥
func IsInsecureDevSecret(value string) bool {
	_, ok := placeholderSecrets[strings.ToLower(strings.TrimSpace(value))]
	return ok
}

// CheckSecret 生产环境密钥校验
func CheckSecret(name, value string) error {
	if len(value) < MinSecretLength {
		return fmt.Errorf("%s: %w (need %d characters)", name, ErrSecretTooShort, MinSecretLength)
	}
	if IsInsecureDevSecret(value) {
		return fmt.Errorf("%s: %w", name, ErrSecretPlaceholder)
	}
	return nil
}

// lookup 读取 KEY，未设置时读取 KEY_FILE 指向的文件内容
func lookup(key string) (string, bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v, true
	}
	path := strings.TrimSpace(os.Getenv(key + "_FILE"))
	if path == "" {
		return "", false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(b))
	return v, v != ""
}

func GetEnv(key, defaultValue string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	return parseOr(key, defaultValue, strconv.Atoi)
}

// GetEnvPositiveInt <=0 或非法时返回默认值
func GetEnvPositiveInt(key string, defaultValue int) int {
	if v := GetEnvInt(key, defaultValue); v > 0 {
		return v
	}
	return defaultValue
}

func GetEnvInt64(key string, defaultValue int64) int64 {
	return parseOr(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func GetEnvBool(key string, defaultValue bool) bool {
	return parseOr(key, defaultValue, strconv.ParseBool)
}

func GetEnvFloat64(key string, defaultValue float64) float64 {
	return parseOr(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvDuration 支持 "30s" 或纯数字毫秒；非正数回退默认值
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return parseOr(key, defaultValue, func(s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err != nil {
			ms, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil {
				return 0, err
			}
			d = time.Duration(ms) * time.Millisecond
		}
		if d <= 0 {
			return 0, fmt.Errorf("non-positive duration %q", s)
		}
		return d, nil
	})
}

func parseOr[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	v, err := parse(raw)
	if err != nil {
		return defaultValue
	}
	return v
}
