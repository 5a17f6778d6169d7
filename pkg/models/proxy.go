package models

import (
	"fmt"
	"strings"
	"time"
)

type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
)

// DateLayout is the dd.mm.yy format the sheet stores dates in.
const DateLayout = "02.01.06"

// legacyDateLayout is the older YYYY-MM-DD format still present in some rows.
const legacyDateLayout = "2006-01-02"

// Proxy is one allocatable row of the inventory sheet. RowIndex is the
// 1-based sheet row (row 1 is the header) and only identifies the proxy
// within a single snapshot; commits re-validate it against a fresh read.
type Proxy struct {
	RowIndex  int
	Address   string
	Port      int
	Username  string
	Password  string
	Scheme    Scheme
	Region    string
	AddedAt   time.Time
	ExpiresAt time.Time
	UsedFor   []string
}

// HasAuth reports whether the proxy carries credentials.
func (p *Proxy) HasAuth() bool {
	return p.Username != "" && p.Password != ""
}

// HostPort returns the address:port pair.
func (p *Proxy) HostPort() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// StorageString is the canonical sheet format: ip:port[:user:pass].
func (p *Proxy) StorageString() string {
	if p.HasAuth() {
		return fmt.Sprintf("%s:%d:%s:%s", p.Address, p.Port, p.Username, p.Password)
	}
	return p.HostPort()
}

// TransportURL returns scheme://[user:pass@]ip:port for use as a dialer config.
func (p *Proxy) TransportURL() string {
	scheme := p.Scheme
	if scheme == "" {
		scheme = SchemeHTTP
	}
	if p.HasAuth() {
		return fmt.Sprintf("%s://%s:%s@%s:%d", scheme, p.Username, p.Password, p.Address, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Address, p.Port)
}

// DaysLeft returns whole calendar days until expiry, never negative.
func (p *Proxy) DaysLeft(now time.Time) int {
	days := int(toDate(p.ExpiresAt).Sub(toDate(now)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// IsExpired reports whether the proxy has no days left.
func (p *Proxy) IsExpired(now time.Time) bool {
	return p.DaysLeft(now) == 0
}

// IsUsedFor reports whether the proxy was already allocated for the purpose.
// Comparison is case-insensitive.
func (p *Proxy) IsUsedFor(purpose string) bool {
	purpose = NormalizePurpose(purpose)
	for _, u := range p.UsedFor {
		if NormalizePurpose(u) == purpose {
			return true
		}
	}
	return false
}

// AddUsage appends the purpose to the usage list if not already present.
func (p *Proxy) AddUsage(purpose string) {
	if !p.IsUsedFor(purpose) {
		p.UsedFor = append(p.UsedFor, NormalizePurpose(purpose))
	}
}

// UsedForString renders the usage list as stored in the sheet.
func (p *Proxy) UsedForString() string {
	return strings.Join(p.UsedFor, ",")
}

// NormalizePurpose lower-cases and trims a purpose tag. The set of valid
// purposes is open-ended, so normalization happens at every boundary.
func NormalizePurpose(purpose string) string {
	return strings.ToLower(strings.TrimSpace(purpose))
}

// ParseUsedFor splits the comma-separated usage cell.
func ParseUsedFor(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := NormalizePurpose(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSheetDate parses dd.mm.yy, falling back to YYYY-MM-DD, then to
// the provided fallback for blank or unparseable cells.
func ParseSheetDate(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return toDate(fallback)
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(legacyDateLayout, s); err == nil {
		return t
	}
	return toDate(fallback)
}

func toDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
