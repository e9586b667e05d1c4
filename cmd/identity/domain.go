package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Domain is a statically configured registration domain and its price in sats.
type Domain struct {
	Name  string
	Price int64
}

var domainNameRe = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)*[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// IsValidDomainName reports whether s is a lowercase host name that is safe to
// use as a directory name under the registry root.
func IsValidDomainName(s string) bool {
	return len(s) <= 253 && domainNameRe.MatchString(s)
}

// DomainSet is the ordered set of configured domains. The first entry is primary.
type DomainSet struct {
	list  []Domain
	index map[string]int
}

// NewDomainSet builds a DomainSet; domains must be non-empty and unique.
func NewDomainSet(domains ...Domain) (DomainSet, error) {
	if len(domains) == 0 {
		return DomainSet{}, Invalid("identity.NewDomainSet", "no domains configured")
	}
	ds := DomainSet{index: make(map[string]int, len(domains))}
	for _, d := range domains {
		d.Name = NormalizeDomain(d.Name)
		if !IsValidDomainName(d.Name) {
			return DomainSet{}, Invalid("identity.NewDomainSet", fmt.Sprintf("invalid domain name %q", d.Name))
		}
		if _, dup := ds.index[d.Name]; dup {
			return DomainSet{}, Invalid("identity.NewDomainSet", fmt.Sprintf("duplicate domain %q", d.Name))
		}
		ds.index[d.Name] = len(ds.list)
		ds.list = append(ds.list, d)
	}
	return ds, nil
}

// ParseDomains parses "d1:price1,d2:price2,d3". Entries without a price use
// defaultPrice. An empty raw value yields the single fallback domain.
func ParseDomains(raw, fallback string, defaultPrice int64) (DomainSet, error) {
	const op = "identity.ParseDomains"

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewDomainSet(Domain{Name: fallback, Price: defaultPrice})
	}

	var out []Domain
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, price := entry, defaultPrice
		if i := strings.LastIndexByte(entry, ':'); i >= 0 {
			name = strings.TrimSpace(entry[:i])
			p, err := strconv.ParseInt(strings.TrimSpace(entry[i+1:]), 10, 64)
			if err != nil || p < 0 {
				return DomainSet{}, Invalid(op, fmt.Sprintf("invalid price for domain %q: %q", name, entry[i+1:]))
			}
			price = p
		}
		if name == "" {
			return DomainSet{}, Invalid(op, "empty domain name")
		}
		out = append(out, Domain{Name: name, Price: price})
	}
	if len(out) == 0 {
		return DomainSet{}, Invalid(op, "domain list is set but contains no valid entries")
	}
	return NewDomainSet(out...)
}

// Primary returns the first configured domain.
func (s DomainSet) Primary() Domain {
	if len(s.list) == 0 {
		return Domain{}
	}
	return s.list[0]
}

// Lookup returns the configured domain for name (normalized).
func (s DomainSet) Lookup(name string) (Domain, bool) {
	i, ok := s.index[NormalizeDomain(name)]
	if !ok {
		return Domain{}, false
	}
	return s.list[i], true
}

// Contains reports whether name is configured.
func (s DomainSet) Contains(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// All returns a copy of the configured domains in order.
func (s DomainSet) All() []Domain {
	return append([]Domain(nil), s.list...)
}

// Names returns the configured domain names in order.
func (s DomainSet) Names() []string {
	out := make([]string, len(s.list))
	for i, d := range s.list {
		out[i] = d.Name
	}
	return out
}
