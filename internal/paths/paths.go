package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidTaskID is returned when a caller-supplied task id fails validation.
var ErrInvalidTaskID = errors.New("invalid task id")

const maxTaskIDLen = 64

// MaxTaskIDLen returns the maximum allowed task id length.
func MaxTaskIDLen() int { return maxTaskIDLen }

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxTaskIDLen) + `}$`)

// ValidateTaskID returns nil for caller-supplied task ids that are safe to use
// as URL path segments and store keys, or ErrInvalidTaskID.
// Allowed: ASCII letters, digits, dot, underscore and dash, at most 64 bytes,
// and no ".." anywhere.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task id: %w", ErrInvalidTaskID)
	}
	if len(id) > maxTaskIDLen {
		return fmt.Errorf("task id too long: %w", ErrInvalidTaskID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("task id contains disallowed '..': %w", ErrInvalidTaskID)
	}
	if !taskIDRe.MatchString(id) {
		return fmt.Errorf("task id contains invalid characters: %w", ErrInvalidTaskID)
	}
	return nil
}

// DataDir is the per-repository state directory, relative to the root.
const DataDir = ".argon"

// ConfigFile returns the relative config path (".argon/config.toml").
func ConfigFile() string {
	return filepath.ToSlash(filepath.Join(DataDir, "config.toml"))
}

// DBFile returns the default relative sqlite database path.
func DBFile() string {
	return filepath.ToSlash(filepath.Join(DataDir, "argon.db"))
}

// AuditLogFile returns the default relative safety audit log path.
func AuditLogFile() string {
	return filepath.ToSlash(filepath.Join(DataDir, "safety_audit.log"))
}

// Resolve returns rel joined under root unless rel is already absolute.
// Unlike SafeJoin, absolute paths from configuration are honoured.
func Resolve(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel), nil
	}
	return SafeJoin(root, rel)
}

// SafeJoin joins root with rel and ensures the result stays inside root.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	joined := filepath.Join(root, rel)
	cleaned := filepath.Clean(joined)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(relToRoot, "..") || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
