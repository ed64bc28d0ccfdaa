// Package policy maps inbound email addresses to chat destinations.
package policy

import (
	"fmt"
	"net/mail"
	"strings"
)

// Destination is a resolved chat target for one local recipient.
type Destination struct {
	// ChatID identifies the chat, with any leading "id" literal stripped.
	ChatID string
	// ThreadID identifies an optional topic thread within the chat.
	ThreadID string
	// Silent requests delivery without a client notification.
	Silent bool
}

// Addressing decides which recipients are local and resolves their local
// parts into chat destinations.
type Addressing struct {
	// LocalDomains are the domains accepted for chat delivery.
	LocalDomains []string
	// Aliases substitutes friendly recipient names for chat addresses.
	Aliases map[string]string
}

// IsLocalDomain reports whether mail for the domain is relayed to chat.
func (a *Addressing) IsLocalDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range a.LocalDomains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

// Resolve maps a recipient address to a chat destination.  The boolean is
// false when the domain is not local or the local part does not describe a
// valid destination.
func (a *Addressing) Resolve(address string) (*Destination, bool) {
	local, domain, err := ParseEmailAddress(address)
	if err != nil {
		return nil, false
	}
	if !a.IsLocalDomain(domain) {
		return nil, false
	}
	return a.resolveLocalPart(local)
}

// resolveLocalPart parses a local part of the form "name[.flag[.flag...]]".
// The name is alias-substituted, then split into chat and optional thread
// identifiers on "!" or "_".
func (a *Addressing) resolveLocalPart(local string) (*Destination, bool) {
	name := local
	flags := ""
	if idx := strings.Index(local, "."); idx >= 0 {
		name = local[:idx]
		flags = local[idx+1:]
	}
	if alias, ok := a.Aliases[name]; ok {
		name = alias
	}
	if name == "" {
		return nil, false
	}

	pieces := strings.Split(name, "!")
	if len(pieces) == 1 {
		pieces = strings.Split(name, "_")
	}
	dest := &Destination{Silent: hasSilentFlag(flags)}
	switch len(pieces) {
	case 1:
		dest.ChatID = strings.TrimPrefix(pieces[0], "id")
	case 2:
		dest.ChatID = strings.TrimPrefix(pieces[0], "id")
		dest.ThreadID = pieces[1]
	default:
		return nil, false
	}
	return dest, true
}

func hasSilentFlag(flags string) bool {
	for _, f := range strings.Split(flags, ".") {
		if f == "s" || f == "silent" {
			return true
		}
	}
	return false
}

// ParseEmailAddress splits an address into local and domain parts, accepting
// both bare addresses and RFC 5322 "Name <addr>" forms.
func ParseEmailAddress(address string) (local string, domain string, err error) {
	addr := strings.TrimSpace(address)
	if parsed, perr := mail.ParseAddress(address); perr == nil {
		addr = parsed.Address
	}
	if addr == "" {
		return "", "", fmt.Errorf("empty address")
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", fmt.Errorf("address %q missing local or domain part", address)
	}
	return addr[:at], addr[at+1:], nil
}
