// Package bans stores D-lines and Z-lines and matches connecting addresses
// against them before any other admission work is done.
package bans

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Kind is the ban type
type Kind string

const (
	// KindDLine bans an address or a CIDR range
	KindDLine Kind = "DLINE"
	// KindZLine bans one exact address
	KindZLine Kind = "ZLINE"
)

var (
	ErrInvalidKind = errors.New("invalid ban kind")
	ErrInvalidMask = errors.New("invalid ban mask")
)

// ParseKind accepts "DLINE", "dline", "D" and the Z equivalents
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "D", "DLINE", "D-LINE":
		return KindDLine, nil
	case "Z", "ZLINE", "Z-LINE":
		return KindZLine, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Ban is one stored ban row
type Ban struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Kind      Kind       `gorm:"size:8;index" json:"kind"`
	Mask      string     `gorm:"size:64;index" json:"mask"`
	Reason    string     `gorm:"size:255" json:"reason"`
	SetBy     string     `gorm:"size:128" json:"set_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

// Message is the text shown in the closing ERROR line
func (b *Ban) Message() string {
	reason := b.Reason
	if reason == "" {
		reason = "You are banned from this server"
	}
	if b.Kind == KindZLine {
		return "Z-Lined: " + reason
	}
	return "D-Lined: " + reason
}

// Expired reports whether the ban has lapsed at now
func (b *Ban) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// Matches reports whether ip falls under the ban
func (b *Ban) Matches(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if b.Kind == KindDLine && strings.Contains(b.Mask, "/") {
		_, network, err := net.ParseCIDR(b.Mask)
		return err == nil && network.Contains(ip)
	}
	banned := net.ParseIP(b.Mask)
	return banned != nil && banned.Equal(ip)
}

// normalize validates the mask for its kind and canonicalizes it
func (b *Ban) normalize() error {
	switch b.Kind {
	case KindDLine, KindZLine:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, b.Kind)
	}

	mask := strings.TrimSpace(b.Mask)
	if b.Kind == KindDLine && strings.Contains(mask, "/") {
		_, network, err := net.ParseCIDR(mask)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidMask, b.Mask)
		}
		b.Mask = network.String()
		return nil
	}

	ip := net.ParseIP(mask)
	if ip == nil {
		return fmt.Errorf("%w: %q", ErrInvalidMask, b.Mask)
	}
	b.Mask = ip.String()
	return nil
}

// Store is the ban repository
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore migrates the ban table on db
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Ban{}); err != nil {
		return nil, fmt.Errorf("failed to migrate bans: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock replaces the time source used for expiry
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// TryMatchIP returns the first active ban covering ip, or nil. Z-lines are
// checked before D-lines.
func (s *Store) TryMatchIP(ctx context.Context, ip string) (*Ban, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil
	}
	now := s.now()

	var zline Ban
	err := s.active(ctx, now).
		Where("kind = ? AND mask = ?", KindZLine, parsed.String()).
		Take(&zline).Error
	if err == nil {
		return &zline, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query z-lines: %w", err)
	}

	var dlines []Ban
	if err := s.active(ctx, now).Where("kind = ?", KindDLine).Order("id").Find(&dlines).Error; err != nil {
		return nil, fmt.Errorf("failed to query d-lines: %w", err)
	}
	for i := range dlines {
		if dlines[i].Matches(parsed) {
			return &dlines[i], nil
		}
	}
	return nil, nil
}

func (s *Store) active(ctx context.Context, now time.Time) *gorm.DB {
	return s.db.WithContext(ctx).Where("(expires_at IS NULL OR expires_at > ?)", now.UTC())
}

// Add validates and stores a ban, filling in its ID
func (s *Store) Add(ctx context.Context, b *Ban) error {
	if err := b.normalize(); err != nil {
		return err
	}
	if b.ExpiresAt != nil {
		at := b.ExpiresAt.UTC()
		b.ExpiresAt = &at
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to add ban: %w", err)
	}
	return nil
}

// Remove deletes a ban by id and reports whether it existed
func (s *Store) Remove(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&Ban{}, id)
	if res.Error != nil {
		return false, fmt.Errorf("failed to remove ban: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// List returns every ban including expired ones, oldest first
func (s *Store) List(ctx context.Context) ([]Ban, error) {
	var out []Ban
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	return out, nil
}

// PurgeExpired deletes lapsed bans and returns how many were removed
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).Delete(&Ban{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge bans: %w", res.Error)
	}
	return res.RowsAffected, nil
}
