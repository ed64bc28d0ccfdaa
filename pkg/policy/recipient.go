package policy

// Recipient represents a potential email recipient, allows policies for it to
// be queried.
type Recipient struct {
	addrPolicy *Addressing
	// Address is the full email address as given in RCPT TO.
	Address string
	// LocalPart is the part of the address before @.
	LocalPart string
	// Domain is the part of the address after @.
	Domain string
}

// NewRecipient parses an address into a Recipient.
func (a *Addressing) NewRecipient(address string) (*Recipient, error) {
	local, domain, err := ParseEmailAddress(address)
	if err != nil {
		return nil, err
	}
	return &Recipient{
		addrPolicy: a,
		Address:    address,
		LocalPart:  local,
		Domain:     domain,
	}, nil
}

// ShouldAccept returns true if mail for this recipient can be relayed.
func (r *Recipient) ShouldAccept() bool {
	return r.addrPolicy.IsLocalDomain(r.Domain)
}

// Destination resolves the recipient to its chat destination.
func (r *Recipient) Destination() (*Destination, bool) {
	if !r.ShouldAccept() {
		return nil, false
	}
	return r.addrPolicy.resolveLocalPart(r.LocalPart)
}
