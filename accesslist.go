package drowsynet

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeAllowlist accepts only peers inside a listed prefix
	AccessListModeAllowlist
	// AccessListModeDenylist rejects peers inside a listed prefix
	AccessListModeDenylist
)

// String returns the mode name used in logs and configuration.
func (m AccessListMode) String() string {
	switch m {
	case AccessListModeDisabled:
		return "disabled"
	case AccessListModeAllowlist:
		return "allowlist"
	case AccessListModeDenylist:
		return "denylist"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "disabled", "allowlist" or "denylist".
func (m *AccessListMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "disabled", "off":
		*m = AccessListModeDisabled
	case "allowlist", "allow":
		*m = AccessListModeAllowlist
	case "denylist", "deny":
		*m = AccessListModeDenylist
	default:
		return fmt.Errorf("unknown access list mode %q", text)
	}
	return nil
}

// AccessListConfig configures peer-address filtering on a Listener.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode

	// Prefixes lists addresses ("192.0.2.7") or CIDR prefixes ("10.0.0.0/8").
	Prefixes []string

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{
		Mode: AccessListModeDisabled,
	}
}

// clone returns a deep copy, so a filter never shares its prefix slice
// with the caller.
func (c *AccessListConfig) clone() *AccessListConfig {
	cp := *c
	cp.Prefixes = slices.Clone(c.Prefixes)
	return &cp
}

// AccessFilter decides whether a peer address may connect.
// It is safe for concurrent use.
type AccessFilter struct {
	mu       sync.RWMutex
	config   *AccessListConfig
	prefixes map[netip.Prefix]struct{}
}

// NewAccessFilter creates a filter from config. Invalid entries are logged
// and skipped. A nil config disables filtering.
func NewAccessFilter(config *AccessListConfig) *AccessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af := &AccessFilter{
		config: config.clone(),
	}
	af.rebuildPrefixSetLocked()
	return af
}

// SetConfig replaces the configuration and rebuilds the prefix set.
func (af *AccessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config.clone()
	af.rebuildPrefixSetLocked()
}

// Config returns a copy of the current configuration.
func (af *AccessFilter) Config() *AccessListConfig {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return af.config.clone()
}

// rebuildPrefixSetLocked must be called with af.mu held or before af is shared.
func (af *AccessFilter) rebuildPrefixSetLocked() {
	af.prefixes = make(map[netip.Prefix]struct{}, len(af.config.Prefixes))
	for _, entry := range af.config.Prefixes {
		prefix, err := normalizePrefix(entry)
		if err != nil {
			log.Warn().Err(err).Str("entry", entry).Msg("invalid access list entry")
			continue
		}
		af.prefixes[prefix] = struct{}{}
	}
}

// normalizePrefix parses an address or CIDR prefix. A bare address becomes
// a single-host prefix. IPv4-mapped IPv6 forms are reduced to IPv4.
func normalizePrefix(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return netip.Prefix{}, fmt.Errorf("empty entry")
	}
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr := prefix.Addr()
		if addr.Is4In6() && prefix.Bits() >= 96 {
			return netip.PrefixFrom(addr.Unmap(), prefix.Bits()-96).Masked(), nil
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// containsLocked must be called with af.mu held for reading.
func (af *AccessFilter) containsLocked(addr netip.Addr) bool {
	for prefix := range af.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowed reports whether a peer at addr should be accepted.
// An invalid address is allowed because it cannot be matched.
func (af *AccessFilter) IsAllowed(addr netip.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled || !addr.IsValid() {
		return true
	}

	inList := af.containsLocked(addr.Unmap())

	switch af.config.Mode {
	case AccessListModeAllowlist:
		return inList
	case AccessListModeDenylist:
		return !inList
	default:
		return true
	}
}

// Check returns nil if addr is allowed, or an *AccessDeniedError that is
// also logged unless reject logging is disabled.
func (af *AccessFilter) Check(addr netip.Addr) error {
	if af.IsAllowed(addr) {
		return nil
	}

	af.mu.RLock()
	mode := af.config.Mode
	quiet := af.config.DisableRejectLogging
	af.mu.RUnlock()

	reason := "address in denylist"
	if mode == AccessListModeAllowlist {
		reason = "address not in allowlist"
	}

	if !quiet {
		log.Warn().
			Str("peer", addr.String()).
			Str("reason", reason).
			Msg("incoming connection rejected by access list")
	}

	return &AccessDeniedError{Addr: addr, Reason: reason}
}

// AccessDeniedError is returned when a connection is rejected by the access list.
type AccessDeniedError struct {
	Addr   netip.Addr
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied for " + e.Addr.String() + ": " + e.Reason
}

// Add adds an address or prefix to the list. Invalid entries are ignored.
func (af *AccessFilter) Add(entry string) {
	prefix, err := normalizePrefix(entry)
	if err != nil {
		log.Warn().Err(err).Str("entry", entry).Msg("invalid access list entry")
		return
	}

	af.mu.Lock()
	defer af.mu.Unlock()
	if _, ok := af.prefixes[prefix]; ok {
		return
	}
	af.config.Prefixes = append(af.config.Prefixes, entry)
	af.prefixes[prefix] = struct{}{}
}

// Remove removes every entry equal to the given address or prefix.
func (af *AccessFilter) Remove(entry string) {
	prefix, err := normalizePrefix(entry)
	if err != nil {
		return
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	delete(af.prefixes, prefix)

	kept := make([]string, 0, len(af.config.Prefixes))
	for _, e := range af.config.Prefixes {
		if p, err := normalizePrefix(e); err == nil && p == prefix {
			continue
		}
		kept = append(kept, e)
	}
	af.config.Prefixes = kept
}

// Clear removes all entries.
func (af *AccessFilter) Clear() {
	af.mu.Lock()
	defer af.mu.Unlock()

	af.config.Prefixes = nil
	af.prefixes = make(map[netip.Prefix]struct{})
}

// Count returns the number of distinct prefixes in the list.
func (af *AccessFilter) Count() int {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return len(af.prefixes)
}

// ParsePrefixList parses a comma or space-separated list of addresses and prefixes.
func ParsePrefixList(list string) []string {
	if list == "" {
		return nil
	}
	parts := strings.Fields(strings.ReplaceAll(list, ",", " "))
	if len(parts) == 0 {
		return nil
	}
	return parts
}
