package server

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
)

// IPList is an allow-list of networks, loaded from files in the classic
// ypserv.securenets format. An empty list allows nothing; a nil *IPList
// means no filtering at all.
type IPList struct {
	prefixes []netip.Prefix
}

// LoadSecurenets reads one or more securenets files into a single list.
func LoadSecurenets(paths []string) (*IPList, error) {
	l := &IPList{}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = l.parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return l, nil
}

// parse reads securenets lines. Two forms are accepted:
//
//	255.255.255.0 194.109.16.0      (netmask network)
//	194.109.16.0/24                 (CIDR, v4 or v6; bare address allowed)
//
// Blank lines and #-comments are skipped.
func (l *IPList) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words := strings.Fields(line)

		if len(words) >= 2 {
			mask, merr := netip.ParseAddr(words[0])
			ip, ierr := netip.ParseAddr(words[1])
			if merr == nil && ierr == nil && mask.Is4() && ip.Is4() {
				l.prefixes = append(l.prefixes, netip.PrefixFrom(ip, maskLen(mask)))
				continue
			}
		}

		if !strings.Contains(words[0], "/") {
			addr, err := netip.ParseAddr(words[0])
			if err != nil {
				continue
			}
			l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(words[0])
		if err != nil {
			continue
		}
		l.prefixes = append(l.prefixes, prefix)
	}
	return scanner.Err()
}

// Contains reports whether addr falls inside the list.
func (l *IPList) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// maskLen converts a dotted-quad netmask to a prefix length.
func maskLen(mask netip.Addr) int {
	n := 0
	for _, b := range mask.As4() {
		for ; b&0x80 != 0; b <<= 1 {
			n++
		}
	}
	return n
}
