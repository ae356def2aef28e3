package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// Magnet is the result of parsing a "magnet:" URI. The infohash and
// tracker list are known immediately; the Info dictionary is not and
// must be acquired via the extension-protocol metadata exchange.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

// ParseMagnet parses a magnet URI of the form
// "magnet:?xt=urn:btih:<hex-or-base32>&dn=...&tr=...".
func ParseMagnet(s string) (*Magnet, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("metainfo: not a magnet URI")
	}
	q := u.Query()
	xts := q["xt"]
	if len(xts) == 0 {
		return nil, errors.New("metainfo: magnet URI missing xt param")
	}
	const prefix = "urn:btih:"
	xt := xts[0]
	if !strings.HasPrefix(xt, prefix) {
		return nil, errors.New("metainfo: xt param must start with \"urn:btih:\"")
	}
	ih, err := parseInfoHash(xt[len(prefix):])
	if err != nil {
		return nil, err
	}
	m := &Magnet{InfoHash: ih, Trackers: q["tr"]}
	if dn := q["dn"]; len(dn) > 0 {
		m.Name = dn[0]
	}
	return m, nil
}

// parseInfoHash accepts either the 40-character hex or the 32-character
// base32 encoding of a 20-byte infohash, per BEP 9.
func parseInfoHash(s string) ([20]byte, error) {
	var h [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, err
		}
		copy(h[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, err
		}
		copy(h[:], b)
	default:
		return h, errors.New("metainfo: infohash must be 40 hex or 32 base32 characters")
	}
	return h, nil
}

// MagnetURI returns the canonical magnet URI for a resolved infohash,
// used when persisting a magnet's original source (spec.md §6).
func MagnetURI(m *Magnet) string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+hex.EncodeToString(m.InfoHash[:]))
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	for _, tr := range m.Trackers {
		v.Add("tr", tr)
	}
	return "magnet:?" + v.Encode()
}
